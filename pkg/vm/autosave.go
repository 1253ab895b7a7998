package vm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/model"
)

// autosaveState is the debounce machinery behind EnableAutosave.
type autosaveState struct {
	mu      sync.Mutex
	enabled bool
	delay   time.Duration
	timer   *time.Timer
	ctx     context.Context
	onSave  func(api.ItemResult[model.DTO], error)
}

// EnableAutosave makes every edit schedule a save after the debounce
// delay. Edits made during the delay restart it, so a burst of typing
// produces one save. A save already in flight defers the next attempt by
// another delay rather than sending overlapping requests.
//
// onSave, when non-nil, observes the outcome of every attempted autosave.
// Autosave stops when ctx is done or DisableAutosave is called.
func (v *ViewModel) EnableAutosave(ctx context.Context, delay time.Duration, onSave func(api.ItemResult[model.DTO], error)) {
	v.mu.Lock()
	if v.autosave == nil {
		v.autosave = &autosaveState{}
	}
	a := v.autosave
	v.mu.Unlock()

	a.mu.Lock()
	a.enabled = true
	a.delay = delay
	a.ctx = ctx
	a.onSave = onSave
	a.mu.Unlock()

	// An already-dirty view model saves without waiting for another edit.
	if v.IsDirty() || !v.ExistsOnServer() {
		v.queueAutosave()
	}
}

// DisableAutosave stops scheduled and future autosaves. An in-flight save
// completes normally.
func (v *ViewModel) DisableAutosave() {
	v.mu.Lock()
	a := v.autosave
	v.mu.Unlock()
	if a == nil {
		return
	}
	a.mu.Lock()
	a.enabled = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}

// queueAutosave (re)starts the debounce timer. Called on every edit.
func (v *ViewModel) queueAutosave() {
	v.mu.Lock()
	a := v.autosave
	v.mu.Unlock()
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled || a.ctx.Err() != nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() { v.autosaveFire(a) })
}

func (v *ViewModel) autosaveFire(a *autosaveState) {
	a.mu.Lock()
	enabled := a.enabled
	ctx := a.ctx
	onSave := a.onSave
	a.mu.Unlock()
	if !enabled || ctx.Err() != nil {
		return
	}

	// Never overlap saves; try again after another delay.
	if v.IsSaving() {
		v.queueAutosave()
		return
	}
	if !v.IsDirty() && v.ExistsOnServer() {
		return
	}

	res, err := v.Save(ctx)
	if err != nil {
		v.log.Warn("autosave failed",
			zap.String("model", v.model.Name),
			zap.Int64("uid", v.uid),
			zap.Error(err))
	} else if !res.OK {
		// A validation or permission failure will not fix itself; wait for
		// the next edit instead of retrying in a loop.
		v.log.Debug("autosave rejected",
			zap.String("model", v.model.Name),
			zap.Int64("uid", v.uid),
			zap.String("message", res.Message))
	}
	if onSave != nil {
		onSave(res, err)
	}

	// Edits made while the save was in flight need their own save.
	if err == nil && res.OK && v.IsDirty() {
		v.queueAutosave()
	}
}
