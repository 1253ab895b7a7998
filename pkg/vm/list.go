package vm

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// ListViewModel holds a pageable, filterable collection of view models of
// one type. Reloading merges into the existing items: instances are
// preserved by primary key so references held elsewhere stay live.
//
// Like ViewModel, it is not safe for unsynchronized concurrent use; the
// autoload machinery serializes with user code through the internal mutex.
type ListViewModel struct {
	mu sync.Mutex

	model  *meta.Model
	client Client
	log    *zap.Logger

	// Params carries the filter, paging, and principal for every Load.
	Params api.ListParameters

	items      []*ViewModel
	totalCount int
	isLoading  bool

	autoload *autoloadState
}

// NewList returns an empty list view model for m. A nil logger is replaced
// with a no-op logger.
func NewList(m *meta.Model, client Client, log *zap.Logger) *ListViewModel {
	if log == nil {
		log = zap.NewNop()
	}
	return &ListViewModel{
		model:      m,
		client:     client,
		log:        log,
		Params:     api.ListParameters{Page: 1},
		totalCount: -1,
	}
}

// Model returns the entity type this list holds.
func (l *ListViewModel) Model() *meta.Model { return l.model }

// Items returns the current page of view models.
func (l *ListViewModel) Items() []*ViewModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

// TotalCount returns the matching row count from the last load, or -1
// before the first load (or when counting was suppressed).
func (l *ListViewModel) TotalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCount
}

// IsLoading reports whether a load request is in flight.
func (l *ListViewModel) IsLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLoading
}

// PageCount returns the page count implied by the last load, or -1 when
// unknown.
func (l *ListViewModel) PageCount() int {
	if l.Params.PageSize <= 0 {
		return -1
	}
	l.mu.Lock()
	total := l.totalCount
	l.mu.Unlock()
	if total < 0 {
		return -1
	}
	return (total + l.Params.PageSize - 1) / l.Params.PageSize
}

// Page returns the current 1-based page number.
func (l *ListViewModel) Page() int { return l.Params.Page }

// SetPage moves to the given 1-based page and queues an autoload.
func (l *ListViewModel) SetPage(page int) {
	if page < 1 {
		page = 1
	}
	l.Params.Page = page
	l.queueAutoload()
}

// NextPage advances one page when one exists.
func (l *ListViewModel) NextPage() {
	if pc := l.PageCount(); pc >= 0 && l.Params.Page >= pc {
		return
	}
	l.Params.Page++
	l.queueAutoload()
}

// PreviousPage moves back one page.
func (l *ListViewModel) PreviousPage() {
	if l.Params.Page > 1 {
		l.Params.Page--
		l.queueAutoload()
	}
}

// Load fetches the current page and merges it into the list. Existing
// view model instances are kept for rows still present; rows that left
// the result set drop out.
func (l *ListViewModel) Load(ctx context.Context) (api.ListResult[model.DTO], error) {
	l.mu.Lock()
	l.isLoading = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.isLoading = false
		l.mu.Unlock()
	}()

	res, err := l.client.List(ctx, l.model, l.Params)
	if err != nil || !res.OK {
		return res, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byKey := make(map[string]*ViewModel, len(l.items))
	for _, item := range l.items {
		if key := item.Key(); !model.KeyAbsent(key) {
			byKey[keyString(key)] = item
		}
	}

	next := make([]*ViewModel, 0, len(res.List))
	age := responseAge.Add(1)
	f := newFactory()
	for _, dto := range res.List {
		key := dto.Key(l.model)
		if existing, ok := byKey[keyString(key)]; ok {
			existing.merge(dto, age, true, f)
			next = append(next, existing)
			continue
		}
		next = append(next, f.upgrade(dto, l.model, l.client, l.log))
	}
	l.items = next
	l.totalCount = res.TotalCount

	l.log.Debug("list loaded",
		zap.String("model", l.model.Name),
		zap.Int("items", len(next)),
		zap.Int("total", res.TotalCount))
	return res, nil
}

// Count fetches just the matching row count, without loading items.
func (l *ListViewModel) Count(ctx context.Context) (int, error) {
	res, err := l.client.Count(ctx, l.model, l.Params.FilterParameters)
	if err != nil {
		return 0, err
	}
	if res.OK {
		l.mu.Lock()
		l.totalCount = res.Object
		l.mu.Unlock()
	}
	return res.Object, nil
}

// keyString normalizes a key for map lookup so the int64 and float64
// forms of the same numeric key collide as intended.
func keyString(key any) string {
	if f, ok := model.AsNumber(key); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", key)
}
