package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

// ListDevices writes one line per capture device, marking Bluetooth ones.
func ListDevices(w io.Writer, ctx Context) error {
	devices, err := ctx.Devices()
	if err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "no capture devices found")
		return nil
	}
	for _, d := range devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = "  (bluetooth: lower audio quality)"
		}
		fmt.Fprintf(w, "%s%s\n", d.Name, tag)
	}
	return nil
}

type pickResult int

const (
	pickPending pickResult = iota
	pickChosen
	pickCancelled
)

// picker is the cursor over a device list, driven by raw key bytes.
type picker struct {
	devices []DeviceInfo
	cursor  int
}

func (p *picker) key(b []byte) pickResult {
	switch {
	case len(b) == 1 && b[0] == '\r':
		return pickChosen
	case len(b) == 1 && (b[0] == 3 || b[0] == 'q'): // ctrl+c
		return pickCancelled
	case len(b) == 1 && b[0] == 'k', len(b) == 3 && b[0] == 0x1b && b[1] == '[' && b[2] == 'A':
		p.cursor = max(p.cursor-1, 0)
	case len(b) == 1 && b[0] == 'j', len(b) == 3 && b[0] == 0x1b && b[1] == '[' && b[2] == 'B':
		p.cursor = min(p.cursor+1, len(p.devices)-1)
	}
	return pickPending
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = " \x1b[33m[lower audio quality]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, tag)
		}
	}
}

// SelectDevice shows an interactive picker on the terminal. With a single
// device it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, errors.New("no capture devices found")
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	return pick(&picker{devices: devices}, os.Stdin, os.Stdout)
}

func pick(p *picker, in io.Reader, out io.Writer) (*DeviceInfo, error) {
	p.render(out)
	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch p.key(buf[:n]) {
		case pickChosen:
			fmt.Fprint(out, "\r\n")
			return &p.devices[p.cursor], nil
		case pickCancelled:
			fmt.Fprint(out, "\r\n")
			return nil, ErrSelectionCancelled
		}
		fmt.Fprintf(out, "\x1b[%dA", len(p.devices)+2)
		p.render(out)
	}
}
