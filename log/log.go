// Package log writes the diagnostics and transcript logs under the log
// directory. Every function is a no-op until Init succeeds.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	diagName       = "diagnostics_log.txt"
	transcriptName = "transcribe_log.txt"
	timeLayout     = "2006-01-02 15:04:05"
)

// sinks are the files opened by Init.
type sinks struct {
	diag       *os.File
	transcript *os.File
	logger     zerolog.Logger
}

var (
	mu  sync.Mutex
	cur *sinks
	dir string
	pid = os.Getpid()
)

// ResolveDir picks the log directory: the --logpath flag, then
// NEXUS_LOG_PATH, then the platform default.
func ResolveDir(flagPath string) (string, error) {
	if flagPath != "" {
		return filepath.Abs(flagPath)
	}
	if env := os.Getenv("NEXUS_LOG_PATH"); env != "" {
		return filepath.Abs(env)
	}
	return defaultDir()
}

func SetDir(d string) { dir = d }
func Dir() string     { return dir }

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	mu.Lock()
	defer mu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}
	diag, err := openAppend(diagName)
	if err != nil {
		return err
	}
	transcript, err := openAppend(transcriptName)
	if err != nil {
		diag.Close()
		return err
	}

	w := zerolog.ConsoleWriter{Out: diag, TimeFormat: timeLayout, NoColor: true}
	cur = &sinks{
		diag:       diag,
		transcript: transcript,
		logger:     zerolog.New(w).With().Timestamp().Int("pid", pid).Logger(),
	}
	return nil
}

func openAppend(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if cur == nil {
		return
	}
	cur.diag.Close()
	cur.transcript.Close()
	cur = nil
}

// event starts a diagnostics entry. zerolog events are nil-safe, so callers
// chain onto the result without checking whether logging is up.
func event(level zerolog.Level) *zerolog.Event {
	mu.Lock()
	defer mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.logger.WithLevel(level)
}

func Info(msg string)                   { event(zerolog.InfoLevel).Msg(msg) }
func Infof(format string, args ...any)  { event(zerolog.InfoLevel).Msgf(format, args...) }
func Warn(msg string)                   { event(zerolog.WarnLevel).Msg(msg) }
func Warnf(format string, args ...any)  { event(zerolog.WarnLevel).Msgf(format, args...) }
func Error(msg string)                  { event(zerolog.ErrorLevel).Msg(msg) }
func Errorf(format string, args ...any) { event(zerolog.ErrorLevel).Msgf(format, args...) }

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// Request records one backend round trip. A nil err logs at info level.
func Request(op string, status int, dur time.Duration, err error) {
	ev := event(zerolog.InfoLevel)
	if err != nil {
		ev = event(zerolog.ErrorLevel).Err(err)
	}
	ev.Str("op", op).Int("status", status).Float64("ms", ms(dur)).Msg("backend_request")
}

// Stage records a conversation stage transition.
func Stage(sessionID, from, to string, approvalPending bool) {
	event(zerolog.InfoLevel).
		Str("session", sessionID).
		Str("from", from).
		Str("to", to).
		Bool("approval_pending", approvalPending).
		Msg("stage")
}

func Recording(name, sessionID string) {
	event(zerolog.InfoLevel).Str("session", sessionID).Msg("recording_" + name)
}

// Transcription is the cost breakdown of one transcribed clip.
type Transcription struct {
	Provider     string
	Format       string
	Audio        time.Duration
	RawBytes     int
	EncodedBytes int
	Encode       time.Duration
	DNS          time.Duration
	TLS          time.Duration
	TTFB         time.Duration
	Total        time.Duration
	ConnReused   bool
}

func TranscriptionMetrics(t Transcription) {
	conn := "new"
	if t.ConnReused {
		conn = "reused"
	}
	event(zerolog.InfoLevel).
		Str("provider", t.Provider).
		Str("format", t.Format).
		Str("conn", conn).
		Float64("audio_s", t.Audio.Seconds()).
		Float64("raw_kb", float64(t.RawBytes)/1024).
		Float64("encoded_kb", float64(t.EncodedBytes)/1024).
		Float64("encode_ms", ms(t.Encode)).
		Float64("dns_ms", ms(t.DNS)).
		Float64("tls_ms", ms(t.TLS)).
		Float64("ttfb_ms", ms(t.TTFB)).
		Float64("total_ms", ms(t.Total)).
		Msg("transcription")
}

// TranscriptionText appends text to the plain transcript log as
// "time\t[pid]\ttext".
func TranscriptionText(text string) {
	mu.Lock()
	defer mu.Unlock()
	if cur == nil {
		return
	}
	fmt.Fprintf(cur.transcript, "%s\t[%d]\t%s\n", time.Now().Format(timeLayout), pid, text)
}

func SessionStart(backend, provider, format string) {
	event(zerolog.InfoLevel).
		Str("backend", backend).
		Str("provider", provider).
		Str("format", format).
		Msg("session_start")
}

func SessionEnd(messages int) {
	event(zerolog.InfoLevel).Int("messages", messages).Msg("session_end")
}
