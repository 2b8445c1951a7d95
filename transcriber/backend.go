package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"nexus/encoder"
)

// Backend uploads clips to the research backend's /api/transcribe, which
// forwards them to its own speech provider.
type Backend struct {
	baseTranscriber
}

func NewBackend(baseURL string) *Backend {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	return &Backend{
		baseTranscriber: baseTranscriber{
			client: newTracedClient(),
			apiURL: strings.TrimRight(baseURL, "/") + "/api/transcribe",
		},
	}
}

func (b *Backend) Name() string { return ProviderBackend }

func (b *Backend) Transcribe(ctx context.Context, pcm []byte, req Request) (Transcript, error) {
	return transcribe(ctx, pcm, req, b.upload)
}

// upload sends the clip as the "file" part of a multipart form, next to the
// session id and optional language.
func (b *Backend) upload(ctx context.Context, clip encoder.Clip, req Request) (*reply, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="recording.%s"`, clip.Format))
	h.Set("Content-Type", clip.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(clip.Data); err != nil {
		return nil, err
	}
	if err := w.WriteField("session_id", req.SessionID); err != nil {
		return nil, err
	}
	if lang := b.language(req); lang != "" {
		if err := w.WriteField("language", lang); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcribe request: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, &APIError{Provider: ProviderBackend, Status: resp.Status, Body: truncate(string(resp.Body), 200)}
	}

	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("transcribe response parse error: %w", err)
	}
	return &reply{text: out.Transcript, metrics: resp.Metrics}, nil
}
