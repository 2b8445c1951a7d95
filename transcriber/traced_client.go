package transcriber

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// NetworkMetrics splits one request into its connection phases.
type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

// phases holds the raw timestamps of one request. They are turned into
// durations only after the response is read, so a phase that never ran
// (DNS on a reused connection) comes out as zero.
type phases struct {
	getConn, gotConn         time.Time
	dnsStart, dnsDone        time.Time
	connectStart, connectEnd time.Time
	tlsStart, tlsDone        time.Time
	wroteHeaders, wroteBody  time.Time
	firstByte                time.Time

	reused     bool
	tlsVersion uint16
}

func (p *phases) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) { p.getConn = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			p.gotConn = time.Now()
			p.reused = info.Reused
		},
		DNSStart:          func(httptrace.DNSStartInfo) { p.dnsStart = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { p.dnsDone = time.Now() },
		ConnectStart:      func(_, _ string) { p.connectStart = time.Now() },
		ConnectDone:       func(_, _ string, _ error) { p.connectEnd = time.Now() },
		TLSHandshakeStart: func() { p.tlsStart = time.Now() },
		TLSHandshakeDone: func(s tls.ConnectionState, _ error) {
			p.tlsDone = time.Now()
			p.tlsVersion = s.Version
		},
		WroteHeaders:         func() { p.wroteHeaders = time.Now() },
		WroteRequest:         func(httptrace.WroteRequestInfo) { p.wroteBody = time.Now() },
		GotFirstResponseByte: func() { p.firstByte = time.Now() },
	}
}

func span(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

func (p *phases) metrics(start, end time.Time) NetworkMetrics {
	m := NetworkMetrics{
		ConnWait:   span(p.getConn, p.gotConn),
		DNS:        span(p.dnsStart, p.dnsDone),
		TCP:        span(p.connectStart, p.connectEnd),
		TLS:        span(p.tlsStart, p.tlsDone),
		ReqHeaders: span(p.gotConn, p.wroteHeaders),
		ReqBody:    span(p.wroteHeaders, p.wroteBody),
		TTFB:       span(p.wroteBody, p.firstByte),
		Download:   span(p.firstByte, end),
		Total:      end.Sub(start),
		ConnReused: p.reused,
	}
	if p.tlsVersion != 0 {
		m.TLSProtocol = tls.VersionName(p.tlsVersion)
	}
	return m
}

// tracedClient keeps a small pool of idle connections to the provider and
// times every request.
type tracedClient struct {
	client *http.Client
}

func newTracedClient() *tracedClient {
	return &tracedClient{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type tracedResponse struct {
	Body    []byte
	Status  int
	Header  http.Header
	Metrics NetworkMetrics
}

// do sends req and reads the whole body.
func (c *tracedClient) do(req *http.Request) (*tracedResponse, error) {
	var p phases
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), p.trace()))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &tracedResponse{
		Body:    body,
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Metrics: p.metrics(start, time.Now()),
	}, nil
}

// warm opens a connection to url so the first upload skips the handshake.
func (c *tracedClient) warm(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}
