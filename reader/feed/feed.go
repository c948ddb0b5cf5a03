// Package feed holds the connection plumbing shared by the venue adapters:
// websocket dialing and read loops, rate limited REST calls and the
// non-blocking hand-off into a pipeline's feed queue.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "l3flow/config"
	"l3flow/internal/faults"
	"l3flow/internal/metrics"
	"l3flow/logger"
	"l3flow/models"
)

const userAgent = "l3flow/1.0"

// Dial opens a websocket to url. Failures are reported as disconnects so the
// caller reconnects with backoff.
func Dial(ctx context.Context, url string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, faults.Disconnected("feed.dial", err)
	}
	return conn, nil
}

// Handler processes one websocket frame. A non-nil error ends the read loop
// and is returned from Run unchanged.
type Handler func(raw []byte) error

// Run reads frames from conn until ctx is cancelled, the connection drops or
// handle fails. It returns nil only for cancellation. Pings are sent every
// pingInterval when it is positive. Run closes conn before returning.
func Run(ctx context.Context, conn *websocket.Conn, pingInterval time.Duration, handle Handler) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		var tick <-chan time.Time
		if pingInterval > 0 {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblocks ReadMessage
				conn.Close()
				return
			case <-tick:
				deadline := time.Now().Add(pingInterval)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return faults.Disconnected("feed.read", err)
		}
		if err := handle(raw); err != nil {
			return err
		}
	}
}

// Emit hands msg to out without blocking. A full queue drops the message and
// reports it; the sequencer sees the hole as a gap.
func Emit(ctx context.Context, out chan<- models.FeedMessage, msg models.FeedMessage, venue, instrument string) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		log := logger.GetLogger()
		log.WithComponent("feed").WithStream(venue, instrument).Warn("feed queue full, dropping message")
		metrics.EmitDropMetric(log, metrics.DropMetricFeed, venue, instrument, "feed")
		return false
	}
}

// NewLimiter builds the REST limiter. Missing values fall back to five
// requests per second with a burst of one.
func NewLimiter(cfg appconfig.RateLimitConfig) *rate.Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// Client performs rate limited REST snapshot requests.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client with the reader timeout and rate limit.
func NewClient(timeout time.Duration, rl appconfig.RateLimitConfig) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Transport: userAgentTransport{agent: userAgent, base: http.DefaultTransport},
			Timeout:   timeout,
		},
		limiter: NewLimiter(rl),
	}
}

// GetJSON waits for the limiter, issues a GET and decodes the body into v.
// Transport failures and 429/5xx responses are transient; any other non-200
// response or an undecodable body is a protocol violation.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.TransientNetwork, "feed.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return faults.Newf(faults.TransientNetwork, "feed.get", "%s: status %d: %s", url, resp.StatusCode, body)
		}
		return faults.Newf(faults.ProtocolViolation, "feed.get", "%s: status %d: %s", url, resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return faults.Protocol("feed.decode", err)
	}
	return nil
}
