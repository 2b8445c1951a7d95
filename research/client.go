// Package research is the HTTP client for the deep research backend.
//
// Every operation is a single request/response exchange. Failures are
// returned immediately as *Error; there are no retries.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nexus/log"
)

const DefaultBaseURL = "http://localhost:8000"

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Close drops idle keep-alive connections.
func (c *Client) Close() { c.client.CloseIdleConnections() }

// Reply is the answer to start_research and resume. When Report is set the
// workflow is complete and BotMessage is empty. Older backends never send
// approval_required: each of their plans waits for a yes or for feedback, so
// a missing flag decodes as true.
type Reply struct {
	BotMessage       string `json:"bot_message"`
	ApprovalRequired bool   `json:"approval_required"`
	Report           string `json:"report"`
	// Result is what older backends return from resume instead of
	// bot_message/report.
	Result string `json:"result"`
}

func (r Reply) Final() bool { return r.Report != "" }

func (r *Reply) UnmarshalJSON(data []byte) error {
	type plain Reply
	var wire struct {
		plain
		ApprovalRequired *bool `json:"approval_required"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Reply(wire.plain)
	r.ApprovalRequired = wire.ApprovalRequired == nil || *wire.ApprovalRequired
	return nil
}

type ResumeRequest struct {
	Topic    string `json:"topic"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (c *Client) StartResearch(ctx context.Context, topic string) (Reply, error) {
	if strings.TrimSpace(topic) == "" {
		return Reply{}, &ValidationError{Field: "topic"}
	}
	var reply Reply
	if err := c.postJSON(ctx, "start_research", map[string]string{"topic": topic}, &reply, KindBackend); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (c *Client) Resume(ctx context.Context, req ResumeRequest) (Reply, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Reply{}, &ValidationError{Field: "topic"}
	}
	if !req.Approved && strings.TrimSpace(req.Feedback) == "" {
		return Reply{}, &ValidationError{Field: "feedback"}
	}
	var reply Reply
	if err := c.postJSON(ctx, "resume", req, &reply, KindBackend); err != nil {
		return Reply{}, err
	}
	if reply.Result != "" && reply.Report == "" && reply.BotMessage == "" {
		if req.Approved {
			reply.Report = reply.Result
		} else {
			reply.BotMessage = reply.Result
		}
	}
	return reply, nil
}

// Reset asks the backend to drop its agent state. Callers treat it as best
// effort cleanup.
func (c *Client) Reset(ctx context.Context) error {
	return c.postJSON(ctx, "reset", struct{}{}, nil, KindBackend)
}

// ExportReport renders the final report to a PDF document on the backend.
func (c *Client) ExportReport(ctx context.Context, report string) ([]byte, error) {
	if strings.TrimSpace(report) == "" {
		return nil, &ValidationError{Field: "final_report"}
	}
	body, err := json.Marshal(map[string]string{"final_report": report})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "generate_pdf", body, KindExport)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Kind == KindUnavailable {
			msg := KindUnavailable.String()
			if rerr.Message != "" {
				msg += ", " + rerr.Message
			}
			return nil, &Error{Kind: KindExport, Op: rerr.Op, Message: msg, Cause: rerr.Cause}
		}
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/pdf") {
		return nil, &Error{Kind: KindExport, Op: "generate_pdf", Status: resp.StatusCode, Message: "unexpected content type " + ct}
	}
	if len(resp.Body) == 0 {
		return nil, &Error{Kind: KindExport, Op: "generate_pdf", Status: resp.StatusCode, Message: "empty document"}
	}
	return resp.Body, nil
}

// Ping checks that the backend answers its hello endpoint.
func (c *Client) Ping(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "hello", nil, KindBackend)
	if err != nil {
		return "", err
	}
	var hello struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &hello); err != nil {
		return "", &Error{Kind: KindBackend, Op: "hello", Status: resp.StatusCode, Message: "bad response body", Cause: err}
	}
	return hello.Message, nil
}

func (c *Client) postJSON(ctx context.Context, op string, in, out any, kind Kind) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	resp, err := c.do(ctx, http.MethodPost, op, body, kind)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &Error{Kind: kind, Op: op, Status: resp.StatusCode, Message: "bad response body", Cause: err}
	}
	return nil
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (c *Client) do(ctx context.Context, method, op string, body []byte, kind Kind) (*response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/"+op, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		rerr := &Error{Kind: KindUnavailable, Op: op, Cause: err}
		if errors.Is(err, context.DeadlineExceeded) {
			rerr.Message = "timed out"
		}
		log.Request(op, 0, time.Since(start), rerr)
		return nil, rerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		rerr := &Error{Kind: KindUnavailable, Op: op, Status: resp.StatusCode, Message: "reading body", Cause: err}
		log.Request(op, resp.StatusCode, time.Since(start), rerr)
		return nil, rerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &Error{Kind: kind, Op: op, Status: resp.StatusCode, Message: errorDetail(data)}
		log.Request(op, resp.StatusCode, time.Since(start), rerr)
		return nil, rerr
	}

	log.Request(op, resp.StatusCode, time.Since(start), nil)
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// errorDetail extracts FastAPI's {"detail": ...} or falls back to the raw body.
func errorDetail(body []byte) string {
	var fa struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &fa) == nil && fa.Detail != nil {
		if s, ok := fa.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(fa.Detail)
		return string(b)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
