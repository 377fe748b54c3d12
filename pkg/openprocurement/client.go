// Package openprocurement provides a client for the OpenProcurement public
// tenders API: the paginated changes feed and full tender retrieval.
package openprocurement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/complaints-queue/internal/resilience"
)

// ErrNotFound is returned (wrapped as permanent) when the feed answers 404,
// which for a paged request means the offset is no longer valid.
var ErrNotFound = eris.New("openprocurement: not found")

// Client defines the feed operations used by the cursor.
type Client interface {
	// Changes fetches one page of the feed.
	Changes(ctx context.Context, params PageParams) (*Page, error)
	// GetTender fetches the full tender by id.
	GetTender(ctx context.Context, id string) (*Tender, error)
	// Close releases idle connections held by the session.
	Close()
}

// PageParams are the query parameters of a feed page request.
type PageParams struct {
	Offset     string
	Limit      int
	Feed       string // "changes" or "dateModified"
	Mode       string // "", "test" or "_all_"
	Descending bool
}

// Values encodes the params as a query string.
func (p PageParams) Values() url.Values {
	v := url.Values{}
	if p.Offset != "" {
		v.Set("offset", p.Offset)
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Feed != "" && p.Feed != "dateModified" {
		v.Set("feed", p.Feed)
	}
	if p.Mode != "" {
		v.Set("mode", p.Mode)
	}
	if p.Descending {
		v.Set("descending", "1")
	}
	return v
}

// Config holds connection settings for one feed session.
type Config struct {
	HostURL    string
	APIVersion string
	Resource   string
	Key        string
	UserAgent  string
	Timeout    time.Duration
	RateLimit  float64
	Retry      resilience.RetryConfig
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the computed API root (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	cfg     Config
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient creates a feed session. Each session owns its own transport so a
// reset can discard connections wedged by a previous session.
func NewClient(cfg Config, opts ...Option) Client {
	if cfg.Resource == "" {
		cfg.Resource = "tenders"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &httpClient{
		cfg:     cfg,
		baseURL: fmt.Sprintf("%s/api/%s/%s", strings.TrimRight(cfg.HostURL, "/"), cfg.APIVersion, cfg.Resource),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: zap.L().With(zap.String("component", "openprocurement")),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Changes(ctx context.Context, params PageParams) (*Page, error) {
	retry := c.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("changes", zap.String("offset", params.Offset), zap.Bool("descending", params.Descending))

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Page, error) {
		var resp pageResponse
		if err := c.get(ctx, c.baseURL, params.Values(), &resp); err != nil {
			return nil, eris.Wrap(err, "openprocurement: changes")
		}
		page := &Page{Tenders: resp.Data}
		if resp.NextPage != nil {
			page.NextOffset = offsetString(resp.NextPage.Offset)
		}
		return page, nil
	})
}

func (c *httpClient) GetTender(ctx context.Context, id string) (*Tender, error) {
	retry := c.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("get_tender", zap.String("tender_id", id))

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Tender, error) {
		var resp tenderResponse
		if err := c.get(ctx, c.baseURL+"/"+url.PathEscape(id), nil, &resp); err != nil {
			return nil, eris.Wrapf(err, "openprocurement: get tender %s", id)
		}
		return &resp.Data, nil
	})
}

func (c *httpClient) Close() {
	c.http.CloseIdleConnections()
}

// get performs one GET and decodes the JSON body into out. Non-2xx answers
// are dumped to the log with status, headers and request params.
func (c *httpClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	uri := endpoint
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return resilience.Permanent(eris.Wrap(err, "create request"))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Key != "" {
		req.SetBasicAuth(c.cfg.Key, "")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "http request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		c.dumpError(resp, uri, params, body)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return resilience.Permanent(ErrNotFound)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.NewTransientError(eris.Errorf("status %d", resp.StatusCode), resp.StatusCode)
		default:
			return eris.Errorf("status %d", resp.StatusCode)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "decode response"), resp.StatusCode)
	}
	return nil
}

func (c *httpClient) dumpError(resp *http.Response, uri string, params url.Values, body []byte) {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	c.log.Warn("feed request failed",
		zap.Int("status", resp.StatusCode),
		zap.String("uri", uri),
		zap.Any("params", params),
		zap.Any("headers", headers),
		zap.String("body", snippet),
	)
}

// offsetString normalizes the next_page offset, which the API emits either as
// a string or as a float timestamp.
func offsetString(v any) string {
	switch o := v.(type) {
	case string:
		return o
	case float64:
		return strconv.FormatFloat(o, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(o)
	}
}
