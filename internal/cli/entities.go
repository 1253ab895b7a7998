package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/bulk"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// localPrincipal is the caller identity for CLI operations. The CLI has
// the machine's own credentials, so it runs authenticated.
func localPrincipal() meta.Principal {
	return meta.Principal{Name: "local", Authenticated: true}
}

// parseKey interprets a command-line id as an integer key when it parses
// as one, otherwise as a string key.
func parseKey(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// parseFilterValue coerces a --filter value: numbers and booleans become
// typed values, everything else stays a string.
func parseFilterValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// itemOutput is the JSON shape of a single-item result.
type itemOutput struct {
	OK      bool                  `json:"ok"`
	Status  int                   `json:"status,omitempty"`
	Message string                `json:"message,omitempty"`
	Issues  []api.ValidationIssue `json:"issues,omitempty"`
	Object  model.DTO             `json:"object,omitempty"`
	RefMap  map[int64]any         `json:"refMap,omitempty"`
}

func toItemOutput(res api.ItemResult[model.DTO]) itemOutput {
	out := itemOutput{OK: res.OK, Message: res.Message, Issues: res.Issues, Object: res.Object, RefMap: res.RefMap}
	if !res.OK {
		out.Status = res.Reason.StatusCode()
	}
	return out
}

// printItem writes the result as JSON and returns an error for non-OK
// results so the process exits non-zero.
func printItem(cmd *cobra.Command, res api.ItemResult[model.DTO]) error {
	if err := printJSON(cmd, toItemOutput(res)); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s", res.Message)
	}
	return nil
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := DomainRegistry()
			models, err := reg.Models()
			if err != nil {
				return err
			}
			for _, m := range models {
				var props []string
				for _, p := range m.Props {
					props = append(props, p.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (key: %s)\n  %s\n",
					m.Name, m.KeyProp().Name, strings.Join(props, ", "))
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var includes string
	cmd := &cobra.Command{
		Use:   "get <model> <id>",
		Short: "Fetch one entity by primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			m, err := e.model(args[0])
			if err != nil {
				return err
			}
			p := api.DataSourceParameters{Principal: localPrincipal(), Includes: includes}
			res, err := e.client.Get(cmd.Context(), m, parseKey(args[1]), p)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			return printItem(cmd, res)
		},
	}
	cmd.Flags().StringVar(&includes, "includes", "", "include-tree shaping hint")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		search   string
		orderBy  string
		desc     bool
		page     int
		pageSize int
		filters  []string
	)
	cmd := &cobra.Command{
		Use:   "list <model>",
		Short: "List entities with optional filtering, search, and paging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			m, err := e.model(args[0])
			if err != nil {
				return err
			}

			p := api.ListParameters{
				OrderBy:    orderBy,
				Descending: desc,
				Page:       page,
				PageSize:   pageSize,
			}
			p.Principal = localPrincipal()
			p.Search = search
			for _, f := range filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("bad --filter %q, want prop=value", f)
				}
				if p.Filter == nil {
					p.Filter = map[string]any{}
				}
				p.Filter[k] = parseFilterValue(v)
			}

			res, err := e.client.List(cmd.Context(), m, p)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			if !res.OK {
				return fmt.Errorf("%s", res.Message)
			}
			return printJSON(cmd, map[string]any{
				"list":       res.List,
				"page":       res.Page,
				"totalCount": res.TotalCount,
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "substring search over text properties")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "property to order by")
	cmd.Flags().BoolVar(&desc, "desc", false, "order descending")
	cmd.Flags().IntVar(&page, "page", 0, "1-based page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "rows per page")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "equality filter prop=value (repeatable)")
	return cmd
}

func newSaveCmd() *cobra.Command {
	var (
		file   string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "save <model> [json]",
		Short: "Create or update one entity from a JSON object",
		Long: "Saves the entity described by the JSON object. An object without\n" +
			"its primary key creates; one with it updates. With --field, only\n" +
			"the named properties are written.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, args, 1, file)
			if err != nil {
				return err
			}
			var dto model.DTO
			if err := json.Unmarshal(raw, &dto); err != nil {
				return fmt.Errorf("parse entity JSON: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			m, err := e.model(args[0])
			if err != nil {
				return err
			}
			p := api.DataSourceParameters{Principal: localPrincipal(), Fields: fields}
			res, err := e.client.Save(cmd.Context(), m, dto, p)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			return printItem(cmd, res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON object from a file (\"-\" for stdin)")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "restrict the save to the named property (repeatable)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model> <id>",
		Short: "Delete one entity by primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			m, err := e.model(args[0])
			if err != nil {
				return err
			}
			p := api.DataSourceParameters{Principal: localPrincipal()}
			res, err := e.client.Delete(cmd.Context(), m, parseKey(args[1]), p)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			return printItem(cmd, res)
		},
	}
}

// bulkItemWire is the JSON shape of one bulk batch item.
type bulkItemWire struct {
	Type   string           `json:"type"`
	Action string           `json:"action"`
	Data   model.DTO        `json:"data"`
	Refs   map[string]int64 `json:"refs"`
	Root   bool             `json:"root"`
}

func newBulkCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk [json]",
		Short: "Atomically save and delete a batch of entities",
		Long: "Executes a batch of save, delete, and none items in one\n" +
			"transaction. Items may reference not-yet-created entities through\n" +
			"batch-local ref ids; either the whole batch commits or none of it\n" +
			"does.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, args, 0, file)
			if err != nil {
				return err
			}
			var wire struct {
				Items []bulkItemWire `json:"items"`
			}
			if err := json.Unmarshal(raw, &wire); err != nil {
				return fmt.Errorf("parse batch JSON: %w", err)
			}

			req := bulk.Request{Items: make([]bulk.Item, 0, len(wire.Items))}
			for _, it := range wire.Items {
				action := bulk.Action(it.Action)
				if action == "" {
					action = bulk.ActionSave
				}
				req.Items = append(req.Items, bulk.Item{
					Type:   it.Type,
					Action: action,
					Data:   it.Data,
					Refs:   it.Refs,
					Root:   it.Root,
				})
			}

			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			p := api.DataSourceParameters{Principal: localPrincipal()}
			res, err := e.client.BulkSave(cmd.Context(), req, p)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			return printItem(cmd, res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the batch JSON from a file (\"-\" for stdin)")
	return cmd
}

// readPayload returns the JSON payload from the positional argument at
// argIdx or from --file, with "-" meaning stdin.
func readPayload(cmd *cobra.Command, args []string, argIdx int, file string) ([]byte, error) {
	if file != "" {
		if file == "-" {
			return io.ReadAll(cmd.InOrStdin())
		}
		return os.ReadFile(file)
	}
	if len(args) > argIdx {
		return []byte(args[argIdx]), nil
	}
	return nil, fmt.Errorf("provide a JSON argument or --file")
}
