// Package shutdown routes termination signals to the running command.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

func Notify(ch chan<- os.Signal) {
	signal.Notify(ch, signals...)
}

// Context is cancelled on the first termination signal or when parent is done.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	Notify(ch)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
