// Package clipboard copies the final report to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"time"

	cb "github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard utility is available
// (xclip, xsel or wl-clipboard on Linux).
var ErrUnsupported = errors.New("clipboard not available")

var (
	write = cb.WriteAll
	read  = cb.ReadAll
)

func Copy(text string) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	if err := write(text); err != nil {
		return fmt.Errorf("clipboard copy: %w", err)
	}
	return nil
}

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	return read()
}

// Verify writes probe, reads it back and restores the previous contents.
// Clipboard helpers can hang when the display server is unreachable, so the
// round trip is bounded by timeout.
func Verify(probe string, timeout time.Duration) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	type result struct {
		got   string
		phase string
		err   error
	}
	w, r := write, read
	ch := make(chan result, 1)
	go func() {
		prev, _ := r()
		if err := w(probe); err != nil {
			ch <- result{phase: "write", err: err}
			return
		}
		got, err := r()
		if prev != "" {
			w(prev)
		}
		if err != nil {
			ch <- result{phase: "read", err: err}
			return
		}
		ch <- result{got: got}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("clipboard %s: %w", res.phase, res.err)
		}
		if res.got != probe {
			return fmt.Errorf("clipboard mismatch: wrote %q, got %q", probe, res.got)
		}
		return nil
	case <-time.After(timeout):
		return errors.New("clipboard timed out (display server not accessible?)")
	}
}
