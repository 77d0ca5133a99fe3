// Package usage counts model tokens. A Tracker travels in the request
// context; provider clients report into it and the pipeline reads the totals
// when it records a run.
package usage

import (
	"context"
	"sync"
)

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
	Calls  int   `json:"calls"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Calls++
}

// Tracker aggregates usage across calls. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	total   TokenCounts
	byModel map[string]TokenCounts
}

func NewTracker() *Tracker {
	return &Tracker{byModel: make(map[string]TokenCounts)}
}

// Track records one model call.
func (t *Tracker) Track(model string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Add(input, output)
	entry := t.byModel[model]
	entry.Add(input, output)
	t.byModel[model] = entry
}

// Total returns the aggregate over all models.
func (t *Tracker) Total() TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByModel returns a copy of the per-model counts.
func (t *Tracker) ByModel() map[string]TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	dst := make(map[string]TokenCounts, len(t.byModel))
	for k, v := range t.byModel {
		dst[k] = v
	}
	return dst
}

type contextKey struct{}

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the tracker from the context, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(contextKey{}).(*Tracker)
	return t
}

// Track records a call on the context's tracker. It is a no-op without one.
func Track(ctx context.Context, model string, input, output int) {
	if t := FromContext(ctx); t != nil {
		t.Track(model, input, output)
	}
}
