// Package gate serializes state-mutating user actions. A single busy flag is
// shared by submit, approve/reject, reset, record start and transcription.
package gate

import "context"

type Gate struct {
	slot chan struct{}
}

func New() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the gate if it is free. User actions use it: a busy gate
// rejects them instead of queueing.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits for the gate or for ctx to end.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
		panic("gate: release of free gate")
	}
}

func (g *Gate) Busy() bool {
	return len(g.slot) == 1
}
