package api

import "github.com/loomstack/loom/pkg/meta"

// DataSourceParameters carry the caller identity and response shaping for
// get, save, and delete operations.
type DataSourceParameters struct {
	// Principal is the caller on whose behalf the operation runs.
	Principal meta.Principal

	// Includes is an opaque shaping hint passed through to mapping.
	Includes string

	// Fields, when non-empty, restricts which DTO properties a save maps
	// onto the entity (surgical saves). The primary key is always mapped.
	Fields []string
}

// FilterParameters extend DataSourceParameters with row filtering.
type FilterParameters struct {
	DataSourceParameters

	// Filter holds equality filters keyed by property name.
	Filter map[string]any

	// Search is a free-text search applied to string value properties.
	Search string
}

// ListParameters extend FilterParameters with ordering and paging.
type ListParameters struct {
	FilterParameters

	OrderBy    string
	Descending bool

	// Page is 1-based. Zero values mean no paging.
	Page     int
	PageSize int

	// NoCount skips the total-count query; TotalCount is then -1.
	NoCount bool
}
