// Package doctor runs the `nexus doctor` diagnostics.
package doctor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"nexus/audio"
	"nexus/clipboard"
	"nexus/encoder"
	"nexus/transcriber"
)

type Pinger interface {
	Ping(ctx context.Context) (string, error)
	BaseURL() string
}

type Options struct {
	Backend     Pinger
	Audio       audio.Context // nil skips the device and microphone checks
	Device      string
	Transcriber transcriber.Transcriber
	Format      string
	SessionID   string

	// Mic enables the interactive microphone and transcription check.
	Mic         bool
	MicDuration time.Duration

	// Clipboard verifies copy support; nil uses the system clipboard.
	Clipboard func() error

	In  io.Reader
	Out io.Writer
}

type check struct {
	title string
	run   func(ctx context.Context) bool
}

type runner struct {
	opts Options
	in   *bufio.Reader
	out  io.Writer
}

// Run executes the checks in order and returns an exit code (0=all pass,
// 1=any fail). The microphone check only runs when the backend and device
// checks passed.
func Run(ctx context.Context, opts Options) int {
	if opts.MicDuration <= 0 {
		opts.MicDuration = 3 * time.Second
	}
	if opts.Clipboard == nil {
		opts.Clipboard = func() error {
			return clipboard.Verify(fmt.Sprintf("nexus-doctor-%d", time.Now().UnixNano()), 3*time.Second)
		}
	}
	r := &runner{opts: opts, in: bufio.NewReader(opts.In), out: opts.Out}

	fmt.Fprintln(r.out, "nexus doctor - system diagnostics")
	fmt.Fprintln(r.out, "=================================")

	checks := []check{
		{"Research backend", r.checkBackend},
		{"Capture devices", r.checkDevices},
	}
	if opts.Mic {
		checks = append(checks, check{"Microphone and transcription", r.checkMic})
	}
	checks = append(checks, check{"Clipboard", r.checkClipboard})

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(r.out)
		fmt.Fprintf(r.out, "[%d/%d] %s\n", i+1, len(checks), c.title)
		if c.title == "Microphone and transcription" && !allPass {
			fmt.Fprintln(r.out, "  SKIP: earlier checks failed")
			continue
		}
		if !c.run(ctx) {
			allPass = false
		}
	}

	fmt.Fprintln(r.out)
	if allPass {
		fmt.Fprintln(r.out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(r.out, "Some checks failed. See details above.")
	return 1
}

func (r *runner) pass(format string, args ...any) bool {
	fmt.Fprintf(r.out, "  PASS: "+format+"\n", args...)
	return true
}

func (r *runner) fail(format string, args ...any) bool {
	fmt.Fprintf(r.out, "  FAIL: "+format+"\n", args...)
	return false
}

func (r *runner) checkBackend(ctx context.Context) bool {
	if r.opts.Backend == nil {
		return r.fail("no backend configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	msg, err := r.opts.Backend.Ping(ctx)
	if err != nil {
		fmt.Fprintf(r.out, "  FAIL: %s: %v\n", r.opts.Backend.BaseURL(), err)
		fmt.Fprintln(r.out, "  Is the research server running? Set backend_url or NEXUS_BACKEND_URL.")
		return false
	}
	return r.pass("%s answered %q in %dms", r.opts.Backend.BaseURL(), msg, time.Since(start).Milliseconds())
}

func (r *runner) checkDevices(context.Context) bool {
	if r.opts.Audio == nil {
		return r.fail("audio system unavailable")
	}
	devices, err := r.opts.Audio.Devices()
	if err != nil {
		return r.fail("cannot list devices: %v", err)
	}
	if len(devices) == 0 {
		return r.fail("no capture devices found")
	}
	for _, d := range devices {
		tag := ""
		if audio.IsBluetooth(d.Name) {
			tag = " (bluetooth)"
		}
		fmt.Fprintf(r.out, "  - %s%s\n", d.Name, tag)
	}
	if r.opts.Device != "" {
		if _, err := audio.FindDevice(r.opts.Audio, r.opts.Device); err != nil {
			return r.fail("%v", err)
		}
	}
	return r.pass("%d capture device(s)", len(devices))
}

func (r *runner) checkMic(ctx context.Context) bool {
	if r.opts.Transcriber == nil {
		return r.fail("no transcriber configured")
	}
	device, err := audio.FindDevice(r.opts.Audio, r.opts.Device)
	if err != nil {
		return r.fail("%v", err)
	}

	fmt.Fprintf(r.out, "Press Enter and speak for %.0f seconds...", r.opts.MicDuration.Seconds())
	r.in.ReadString('\n')

	pcm, err := r.record(ctx, device)
	if err != nil {
		return r.fail("recording error: %v", err)
	}
	if len(pcm) == 0 {
		return r.fail("no audio captured")
	}
	fmt.Fprintf(r.out, "  Recorded %.1f KB, transcribing via %s...\n", float64(len(pcm))/1024, r.opts.Transcriber.Name())

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	res, err := r.opts.Transcriber.Transcribe(ctx, pcm, transcriber.Request{
		SessionID: r.opts.SessionID,
		Format:    r.opts.Format,
	})
	if err != nil {
		return r.fail("transcription error: %v", err)
	}
	for _, line := range res.Lines() {
		fmt.Fprintln(r.out, "  "+line)
	}

	text := res.Text
	if res.NoSpeech {
		text = "(no speech detected)"
	}
	fmt.Fprintf(r.out, "\n  Transcribed text: %s\n\n", text)
	fmt.Fprint(r.out, "Is this correct? [y/n]: ")
	confirm, _ := r.in.ReadString('\n')
	confirm = strings.TrimSpace(strings.ToLower(confirm))
	if confirm == "y" || confirm == "yes" {
		return r.pass("transcription verified by user")
	}
	return r.fail("transcription not confirmed")
}

func (r *runner) record(ctx context.Context, device *audio.DeviceInfo) ([]byte, error) {
	capture, err := r.opts.Audio.NewCapture(device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return nil, err
	}
	stream, err := capture.Start()
	if err != nil {
		return nil, err
	}
	pcm := make(chan []byte, 1)
	go func() { pcm <- audio.Drain(stream, nil) }()

	fmt.Fprint(r.out, "  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(r.opts.MicDuration)
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(r.out, ".")
			continue
		case <-deadline:
			capture.Stop()
			fmt.Fprintln(r.out, " done")
			return <-pcm, nil
		case <-ctx.Done():
			capture.Stop()
			<-pcm
			return nil, ctx.Err()
		}
	}
}

func (r *runner) checkClipboard(context.Context) bool {
	if err := r.opts.Clipboard(); err != nil {
		fmt.Fprintf(r.out, "  FAIL: %v\n", err)
		fmt.Fprintln(r.out, "  Copying the final report (ctrl+y) will not work. On Linux install xclip, xsel or wl-clipboard.")
		return false
	}
	return r.pass("clipboard write/read verified")
}
