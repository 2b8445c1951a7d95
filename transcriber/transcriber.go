// Package transcriber turns a recorded clip into text through a speech
// provider. The research backend's own endpoint is the default; Deepgram
// can be used directly with an API key.
package transcriber

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nexus/encoder"
)

const (
	ProviderBackend  = "backend"
	ProviderDeepgram = "deepgram"
)

// Request describes one clip.
type Request struct {
	// SessionID ties the clip to the conversation it belongs to.
	SessionID string
	Format    string // "wav"|"flac"
	Language  string
}

// Transcript is the outcome of one upload.
type Transcript struct {
	Text       string
	NoSpeech   bool
	Confidence float64
	RateLimit  string // "remaining/limit" or empty

	Format       string
	AudioLength  time.Duration
	RawBytes     int
	EncodedBytes int
	EncodeTime   time.Duration
	// APIDuration is the audio length the provider reports, in seconds.
	APIDuration float64
	Network     NetworkMetrics
}

// Savings is the size reduction of the upload against raw PCM, in percent.
func (t Transcript) Savings() float64 {
	if t.RawBytes == 0 {
		return 0
	}
	return (1 - float64(t.EncodedBytes)/float64(t.RawBytes)) * 100
}

// Lines formats the timings for the doctor report.
func (t Transcript) Lines() []string {
	m := t.Network
	reused := ""
	if m.ConnReused {
		reused = " (reused)"
	}
	lines := []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB → %.1f KB (%.0f%% smaller)",
			t.AudioLength.Seconds(), float64(t.RawBytes)/1024, float64(t.EncodedBytes)/1024, t.Savings()),
		fmt.Sprintf("format:     %s", t.Format),
		fmt.Sprintf("encode:     %dms", t.EncodeTime.Milliseconds()),
		fmt.Sprintf("conn_wait:  %dms%s", m.ConnWait.Milliseconds(), reused),
		fmt.Sprintf("dns:        %dms", m.DNS.Milliseconds()),
		fmt.Sprintf("tcp:        %dms", m.TCP.Milliseconds()),
		fmt.Sprintf("tls:        %dms", m.TLS.Milliseconds()),
		fmt.Sprintf("ttfb:       %dms", m.TTFB.Milliseconds()),
		fmt.Sprintf("total:      %dms", m.Sum().Milliseconds()),
	}
	if t.APIDuration > 0 {
		lines = append(lines, fmt.Sprintf("api_dur:    %.2fs", t.APIDuration))
	}
	if t.Confidence > 0 {
		lines = append(lines, fmt.Sprintf("confidence: %.4f", t.Confidence))
	}
	return lines
}

// APIError is a non-2xx answer from a transcription endpoint.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

type Transcriber interface {
	Name() string
	SetLanguage(lang string)
	GetLanguage() string
	// Transcribe encodes 16-bit mono pcm in req.Format and uploads it.
	Transcribe(ctx context.Context, pcm []byte, req Request) (Transcript, error)
}

// New picks the provider. Deepgram needs an API key.
func New(provider, backendURL, deepgramKey string) (Transcriber, error) {
	switch provider {
	case ProviderBackend, "":
		return NewBackend(backendURL), nil
	case ProviderDeepgram:
		if deepgramKey == "" {
			return nil, fmt.Errorf("deepgram transcriber needs DEEPGRAM_API_KEY or deepgram_key in config")
		}
		return NewDeepgram(deepgramKey), nil
	default:
		return nil, fmt.Errorf("unknown transcriber %q", provider)
	}
}

type baseTranscriber struct {
	client *tracedClient
	apiURL string
	lang   string
}

func (b *baseTranscriber) SetLanguage(lang string) { b.lang = lang }
func (b *baseTranscriber) GetLanguage() string     { return b.lang }

// language is the per-request override, else the configured default.
func (b *baseTranscriber) language(req Request) string {
	if req.Language != "" {
		return req.Language
	}
	return b.lang
}

// reply is what a provider reads out of its response.
type reply struct {
	text       string
	confidence float64
	rateLimit  string
	duration   float64
	metrics    NetworkMetrics
}

type uploadFunc func(ctx context.Context, clip encoder.Clip, req Request) (*reply, error)

// transcribe is the shared encode, upload and assemble path of every provider.
func transcribe(ctx context.Context, pcm []byte, req Request, upload uploadFunc) (Transcript, error) {
	clip, err := encoder.Encode(req.Format, pcm)
	if err != nil {
		return Transcript{}, fmt.Errorf("encode: %w", err)
	}
	r, err := upload(ctx, clip, req)
	if err != nil {
		return Transcript{}, err
	}
	text := strings.TrimSpace(r.text)
	return Transcript{
		Text:         text,
		NoSpeech:     text == "",
		Confidence:   r.confidence,
		RateLimit:    r.rateLimit,
		Format:       clip.Format,
		AudioLength:  clip.Duration(),
		RawBytes:     clip.RawSize(),
		EncodedBytes: len(clip.Data),
		EncodeTime:   clip.EncodeTime,
		APIDuration:  r.duration,
		Network:      r.metrics,
	}, nil
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
