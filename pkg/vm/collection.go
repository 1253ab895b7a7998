package vm

import (
	"sync"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// Collection is the live contents of one collection navigation property:
// the child view models currently in it, plus the persisted children
// removed locally and awaiting deletion by the next bulk save.
type Collection struct {
	mu     sync.Mutex
	parent *ViewModel
	prop   *meta.Property

	items   []*ViewModel
	removed []*ViewModel
}

// Parent returns the view model owning this collection.
func (c *Collection) Parent() *ViewModel { return c.parent }

// Len returns the number of items currently in the collection.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns the collection's current contents.
func (c *Collection) Items() []*ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ViewModel, len(c.items))
	copy(out, c.items)
	return out
}

// At returns the item at index i.
func (c *Collection) At(i int) *ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[i]
}

// Append adds a child to the collection, upgrading a DTO to a view model.
// Appending wires the child's parent pointers; it does not set foreign
// keys (AddChild does).
func (c *Collection) Append(child any) *ViewModel {
	var item *ViewModel
	switch t := child.(type) {
	case *ViewModel:
		item = t
	case model.DTO:
		f := newFactory()
		item = f.upgrade(t, c.prop.RefModel, c.parent.client, c.parent.log)
	default:
		return nil
	}
	item.mu.Lock()
	item.parent = c.parent
	item.parentCollection = c
	item.mu.Unlock()

	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
	return item
}

// Removed returns the persisted children removed from the collection since
// the last save, in removal order.
func (c *Collection) Removed() []*ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ViewModel, len(c.removed))
	copy(out, c.removed)
	return out
}

func (c *Collection) splice(item *ViewModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.items {
		if existing == item {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

func (c *Collection) recordRemoved(item *ViewModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, item)
}

// clearRemoved forgets the removal list, after a bulk save deleted them.
func (c *Collection) clearRemoved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = nil
}
