package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nexus/encoder"
)

// FakeTranscriber answers every clip with a fixed text or error and records
// what it was asked.
type FakeTranscriber struct {
	text string
	err  error
	lang string

	mu       sync.Mutex
	requests []Request
	fed      int
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{text: text, err: err}
}

func (f *FakeTranscriber) Name() string            { return "fake" }
func (f *FakeTranscriber) SetLanguage(lang string) { f.lang = lang }
func (f *FakeTranscriber) GetLanguage() string     { return f.lang }

func (f *FakeTranscriber) Transcribe(ctx context.Context, pcm []byte, req Request) (Transcript, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.fed += len(pcm)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if f.err != nil {
		return Transcript{}, fmt.Errorf("fake transcriber error: %w", f.err)
	}
	text := strings.TrimSpace(f.text)
	return Transcript{
		Text:        text,
		NoSpeech:    text == "",
		Format:      req.Format,
		AudioLength: time.Duration(len(pcm)/2) * time.Second / encoder.SampleRate,
		RawBytes:    len(pcm),
		Network:     NetworkMetrics{Total: 10 * time.Millisecond},
	}, nil
}

// Requests returns every request seen so far.
func (f *FakeTranscriber) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// FedBytes is the total PCM received across requests.
func (f *FakeTranscriber) FedBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}
