// Package restclient issues GET requests to the home-automation
// controller on behalf of node servers: status/command reports, node
// lifecycle calls, and opaque pass-through requests. It owns the retry
// ladder, shared-connection reuse and invalidation, and one
// controller-wide diagnostic record. Grounded on
// original_source/polyglot/element_manager/isy/__init__.py's
// make_url/request/report_* functions.
package restclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

// isTimeout reports whether err is a network timeout, as opposed to a
// connection-refused/reset style error.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// defaultMaxRetries is spec.md §4.B's default; overridable by PG_RETRIES.
const defaultMaxRetries = 3

// retryDelays is the fixed ladder: 0.25s, 1s, 2s, then 3s for any
// attempts beyond the third.
var retryDelays = []time.Duration{
	250 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
}

// Config is the controller connection info a Client is built from.
type Config struct {
	Scheme   string // "http" or "https"
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// Client issues REST calls to one controller, tracking one shared
// DiagStats record for the whole controller connection and a shared,
// invalidate-on-error HTTP transport.
type Client struct {
	cfg Config
	log *logging.Logger

	maxRetries int
	noSessions bool

	mu   sync.Mutex
	http *http.Client

	statsMu sync.Mutex
	stats   model.DiagStats
}

// New builds a Client from cfg, reading PG_RETRIES and PG_NOSESSIONS from
// the environment exactly as spec.md §6 describes.
func New(cfg Config, log *logging.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		log:        log,
		maxRetries: defaultMaxRetries,
	}
	if v := os.Getenv("PG_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.maxRetries = n
		}
	}
	if os.Getenv("PG_NOSESSIONS") != "" {
		c.noSessions = true
	}
	c.http = c.newHTTPClient()
	return c
}

func (c *Client) newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			// Legacy controllers use self-signed certs; spec.md §4.C
			// explicitly disables verification for this reason.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
}

// invalidateSession drops the shared transport so the next call opens a
// fresh connection, per spec.md §4.B's "on any connection error the
// shared session is invalidated".
func (c *Client) invalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http = c.newHTTPClient()
}

// httpClient returns the transport to use for the next request. When
// PG_NOSESSIONS is set, every call gets a fresh client instead of the
// shared one, per spec.md §6.
func (c *Client) httpClient() *http.Client {
	if c.noSessions {
		return c.newHTTPClient()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

// Stats returns a snapshot of the controller-wide diagnostics record,
// optionally clearing it afterward — the Go equivalent of get_stats(clear).
// DiagStats is one shared record per controller (spec.md §3), not
// per-server, so profileNumber is accepted only to match the shape of the
// other per-server ops and is otherwise ignored.
func (c *Client) Stats(profileNumber int, clear bool) model.DiagStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	snap := c.stats
	if clear {
		c.stats.Clear()
	}
	return snap
}

// AddNodePrefix prefixes nid with "n<NNN>_", NNN the zero-padded 3-digit
// profile number — exactly original_source's add_node_prefix.
func AddNodePrefix(profileNumber int, nid string) string {
	return fmt.Sprintf("n%03d_%s", profileNumber, nid)
}

// makeURL builds <scheme>://<host>:<port>/rest/ns/<profile>/<segments...>?<query>.
// nil segments are omitted; each non-nil segment is URL-path-escaped.
func (c *Client) makeURL(profileNumber int, segments []any, query map[string]string) (string, error) {
	if c.cfg.Scheme != "http" && c.cfg.Scheme != "https" {
		return "", fmt.Errorf("invalid scheme %q", c.cfg.Scheme)
	}
	var parts []string
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		parts = append(parts, url.PathEscape(fmt.Sprint(seg)))
	}
	u := fmt.Sprintf("%s://%s:%d/rest/ns/%d/%s", c.cfg.Scheme, c.cfg.Host, c.cfg.Port, profileNumber, strings.Join(parts, "/"))
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	return u, nil
}

// request issues one GET, retrying per the fixed ladder on HTTP 503 or a
// connection error, and records the outcome in the shared DiagStats.
// seq is echoed into the returned Result for the router to correlate a
// reply back to the requesting child.
func (c *Client) request(ctx context.Context, profileNumber int, rawURL string, seq *int64, wantBody bool) model.Result {
	start := time.Now()

	var attempts int
	var statusCode int
	var body string

	b := fixedLadder(c.maxRetries)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			statusCode = int(model.StatusBadURL)
			return fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			if isTimeout(err) {
				// Non-retryable per spec.md §4.B: timeouts surface
				// immediately rather than driving the retry ladder.
				statusCode = int(model.StatusTimeout)
				return err
			}
			c.invalidateSession()
			statusCode = int(model.StatusConnectionError)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close() //nolint:errcheck

		statusCode = resp.StatusCode
		if wantBody {
			buf := make([]byte, 0, 4096)
			tmp := make([]byte, 4096)
			for {
				n, rerr := resp.Body.Read(tmp)
				buf = append(buf, tmp[:n]...)
				if rerr != nil {
					break
				}
			}
			body = string(buf)
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			return retry.RetryableError(fmt.Errorf("503 from controller"))
		}
		return nil
	})
	_ = err // exhausted retries leaves statusCode at its last observed value

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}

	elapsed := time.Since(start)
	result := model.Result{
		StatusCode: statusCode,
		Text:       body,
		Elapsed:    elapsed,
		Retries:    retries,
	}
	if seq != nil {
		result.Seq = *seq
	}
	c.statsMu.Lock()
	c.stats.Record(result, time.Now())
	c.statsMu.Unlock()
	c.log.Debug("rest call %s -> status=%d retries=%d elapsed=%s", rawURL, statusCode, retries, elapsed)
	return result
}

// fixedLadder returns a retry.BackoffFunc that yields the fixed delay
// sequence (0.25s, 1s, 2s, 3s, 3s, ...) up to maxRetries total retries,
// rather than go-retry's default exponential backoff — spec.md §4.B
// requires these exact delays.
func fixedLadder(maxRetries int) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= maxRetries {
			return 0, true
		}
		idx := attempt
		if idx >= len(retryDelays) {
			idx = len(retryDelays) - 1
		}
		d := retryDelays[idx]
		attempt++
		return d, false
	})
}
