package vm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/model"
)

// autoloadState is the debounce machinery behind EnableAutoload.
type autoloadState struct {
	mu      sync.Mutex
	enabled bool
	delay   time.Duration
	timer   *time.Timer
	ctx     context.Context
	onLoad  func(api.ListResult[model.DTO], error)
}

// EnableAutoload makes every paging or parameter change schedule a reload
// after the debounce delay. Changes made during the delay restart it, so
// a burst of changes produces one request. A load already in flight
// defers the next attempt by another delay rather than sending
// overlapping requests.
//
// The list loads once immediately on enabling. onLoad, when non-nil,
// observes the outcome of every attempted autoload. Autoload stops when
// ctx is done or DisableAutoload is called.
func (l *ListViewModel) EnableAutoload(ctx context.Context, delay time.Duration, onLoad func(api.ListResult[model.DTO], error)) {
	l.mu.Lock()
	if l.autoload == nil {
		l.autoload = &autoloadState{}
	}
	a := l.autoload
	l.mu.Unlock()

	a.mu.Lock()
	a.enabled = true
	a.delay = delay
	a.ctx = ctx
	a.onLoad = onLoad
	a.mu.Unlock()

	l.queueAutoload()
}

// DisableAutoload stops scheduled and future autoloads. An in-flight load
// completes normally.
func (l *ListViewModel) DisableAutoload() {
	l.mu.Lock()
	a := l.autoload
	l.mu.Unlock()
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

// queueAutoload (re)starts the debounce timer. Called on every paging or
// parameter change.
func (l *ListViewModel) queueAutoload() {
	l.mu.Lock()
	a := l.autoload
	l.mu.Unlock()
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
	a.timer = time.AfterFunc(a.delay, func() { l.autoloadFire(a) })
}

func (l *ListViewModel) autoloadFire(a *autoloadState) {
	a.mu.Lock()
	enabled := a.enabled
	ctx := a.ctx
	onLoad := a.onLoad
	a.mu.Unlock()
	if !enabled || ctx.Err() != nil {
		return
	}

	// Never overlap loads; try again after another delay.
	if l.IsLoading() {
		l.queueAutoload()
		return
	}

	res, err := l.Load(ctx)
	if err != nil {
		l.log.Warn("autoload failed",
			zap.String("model", l.model.Name),
			zap.Error(err))
	} else if !res.OK {
		l.log.Debug("autoload rejected",
			zap.String("model", l.model.Name),
			zap.String("message", res.Message))
	}
	if onLoad != nil {
		onLoad(res, err)
	}
}
