package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"nexus/encoder"
	"nexus/log"
)

const deepgramAPIURL = "https://api.deepgram.com/v1/listen"

// Deepgram sends clips straight to the prerecorded audio API.
type Deepgram struct {
	baseTranscriber
	apiKey string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		baseTranscriber: baseTranscriber{
			client: newTracedClient(),
			apiURL: deepgramAPIURL,
			lang:   "en",
		},
		apiKey: apiKey,
	}
}

func (d *Deepgram) Name() string { return ProviderDeepgram }

// WarmConnection pre-opens the TLS connection used by the first upload.
func (d *Deepgram) WarmConnection() {
	if err := d.client.warm("https://api.deepgram.com"); err != nil {
		log.Warnf("deepgram warm-up: %v", err)
	}
}

func (d *Deepgram) Transcribe(ctx context.Context, pcm []byte, req Request) (Transcript, error) {
	return transcribe(ctx, pcm, req, d.upload)
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) upload(ctx context.Context, clip encoder.Clip, req Request) (*reply, error) {
	q := url.Values{}
	q.Set("model", "nova-3")
	q.Set("smart_format", "true")
	if lang := d.language(req); lang != "" {
		q.Set("language", lang)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+"?"+q.Encode(), bytes.NewReader(clip.Data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Token "+d.apiKey)
	httpReq.Header.Set("Content-Type", clip.ContentType)

	resp, err := d.client.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, &APIError{Provider: ProviderDeepgram, Status: resp.Status, Body: truncate(string(resp.Body), 200)}
	}

	var dg deepgramResponse
	if err := json.Unmarshal(resp.Body, &dg); err != nil {
		return nil, fmt.Errorf("deepgram response parse error: %w", err)
	}

	remaining := firstNonEmpty(resp.Header, "x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining")
	limit := firstNonEmpty(resp.Header, "x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit")
	r := &reply{
		duration:  dg.Metadata.Duration,
		metrics:   resp.Metrics,
		rateLimit: remaining + "/" + limit,
	}
	if ch := dg.Results.Channels; len(ch) > 0 && len(ch[0].Alternatives) > 0 {
		r.text = ch[0].Alternatives[0].Transcript
		r.confidence = ch[0].Alternatives[0].Confidence
	}
	return r, nil
}
