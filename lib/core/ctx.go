package core

import (
	"context"
	"sync/atomic"
)

// ctxHolder threads Run's context into the dialer types constructed
// inside New, before any context exists. get returns context.Background
// until set is called, so candidate dials attempted in the brief window
// between New and Run still complete rather than panicking on a nil
// context.
type ctxHolder struct {
	v atomic.Value // always holds a ctxBox
}

// ctxBox gives every Store the same concrete type, which atomic.Value
// requires; contexts of different concrete types are stored inside it.
type ctxBox struct{ ctx context.Context }

func newCtxHolder() *ctxHolder {
	h := &ctxHolder{}
	h.v.Store(ctxBox{context.Background()})
	return h
}

func (h *ctxHolder) set(ctx context.Context) { h.v.Store(ctxBox{ctx}) }

func (h *ctxHolder) get() context.Context { return h.v.Load().(ctxBox).ctx }
