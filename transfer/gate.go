package transfer

import (
	"context"
	"sync"

	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// gate suspends pipeline workers at block boundaries. Pausing blocks
// every subsequent Wait until Resume; in-flight block operations are
// never interrupted, so a paused transfer settles with whole blocks
// either confirmed or untouched.
type gate struct {
	mu     sync.Mutex
	resume chan struct{} // non-nil while paused
}

func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
}

func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

func (g *gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume != nil
}

// Wait blocks while the gate is paused. It returns a cancellation
// error if ctx ends first.
func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return sdkerrors.NewCancelled("wait for resume", ctx.Err())
		case <-ch:
		}
	}
}
