package interpro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/remote"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// Client talks to the InterProScan REST API.
//
// All requests share one rate limiter so that submit, poll and result calls
// together respect the service's request-rate etiquette.
type Client struct {
	base      string
	email     string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// Ensure Client implements remote.Service.
var _ remote.Service = (*Client)(nil)

// New creates a client. Zero-valued fields fall back to DefaultConfig.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("interpro: invalid base url: %w", err)
	}

	c := &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		email:     cfg.Email,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// WithHTTPClient replaces the underlying HTTP client. Returns the client for chaining.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Submit posts a new InterProScan job and returns its job id.
func (c *Client) Submit(ctx context.Context, title string, p job.Payload) (string, error) {
	form := url.Values{}
	form.Set("email", c.email)
	form.Set("title", title)
	form.Set("sequence", p.Sequence)
	form.Set("stype", "p")
	for _, appl := range p.Applications {
		form.Add("appl", appl)
	}
	form.Set("goterms", strconv.FormatBool(p.GoTerms))
	form.Set("pathways", strconv.FormatBool(p.Pathways))

	body, err := c.do(ctx, "submit", "", http.MethodPost, c.base+"/run", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", "text/plain")
	if err != nil {
		return "", err
	}

	handle := strings.TrimSpace(string(body))
	if handle == "" {
		return "", &remote.ServiceError{Op: "submit", Err: remote.ErrEmptyHandle}
	}
	return handle, nil
}

// Poll returns the job's status.
//
// QUEUED and RUNNING map to running, FINISHED to finished; ERROR, FAILURE
// and NOT_FOUND mean the service will never produce a result.
func (c *Client) Poll(ctx context.Context, handle string) (remote.Status, error) {
	body, err := c.do(ctx, "poll", handle, http.MethodGet, c.base+"/status/"+url.PathEscape(handle), nil, "", "text/plain")
	if err != nil {
		return "", err
	}
	return ParseStatus(string(body))
}

// FetchResult downloads the result in the given format ("json", "tsv", "xml", "gff3").
func (c *Client) FetchResult(ctx context.Context, handle, format string) ([]byte, error) {
	if format == "" {
		format = "json"
	}
	u := c.base + "/result/" + url.PathEscape(handle) + "/" + url.PathEscape(format)
	return c.do(ctx, "result", handle, http.MethodGet, u, nil, "", "")
}

// ParseStatus maps a job dispatcher status line to a remote.Status.
func ParseStatus(s string) (remote.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUEUED", "RUNNING", "PENDING":
		return remote.StatusRunning, nil
	case "FINISHED":
		return remote.StatusFinished, nil
	case "ERROR", "FAILURE", "NOT_FOUND":
		return remote.StatusError, nil
	default:
		return "", &remote.ServiceError{Op: "poll", Err: fmt.Errorf("%w: unknown status %q", remote.ErrRejected, s)}
	}
}

func (c *Client) do(ctx context.Context, op, handle, method, u string, body io.Reader, contentType, accept string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &remote.ServiceError{Op: op, Handle: handle, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &remote.ServiceError{Op: op, Handle: handle, Err: fmt.Errorf("%w: %v", remote.ErrUnavailable, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.ServiceError{Op: op, Handle: handle, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: read body: %v", remote.ErrUnavailable, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	return nil, &remote.ServiceError{Op: op, Handle: handle, StatusCode: resp.StatusCode, Err: classifyStatus(resp.StatusCode, data)}
}

func classifyStatus(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	msg = truncateUTF8(msg, maxErrorBody)
	base := remote.ErrRejected
	if code == http.StatusTooManyRequests || code >= 500 {
		base = remote.ErrUnavailable
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}


// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
