// Package feed fetches source payloads through the proxy and normalizes
// them into domain events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 8 << 20

// ErrUnsupportedContent is returned when a response is neither JSON nor HTML.
var ErrUnsupportedContent = errors.New("unsupported content type")

// ErrNoEventTable is returned for an HTML page without any table naming
// time, latitude, and longitude columns, such as a proxy error page.
var ErrNoEventTable = errors.New("html page has no event table")

// Client implements domain.Fetcher and registry.Prober over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	probeTimeout time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewClient creates a feed client. Sources without an absolute endpoint are
// fetched from {baseURL}/api/proxy/{id}.
func NewClient(baseURL string, fetchTimeout, probeTimeout time.Duration, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
		probeTimeout: probeTimeout,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
	}
}

// URL returns the address the source is fetched from.
func (c *Client) URL(src domain.Source) string {
	if strings.HasPrefix(src.Endpoint, "http://") || strings.HasPrefix(src.Endpoint, "https://") {
		return src.Endpoint
	}
	return c.baseURL + "/api/proxy/" + url.PathEscape(src.ID)
}

// Fetch retrieves and normalizes the source's current events. HTML
// responses produce a degraded batch.
func (c *Client) Fetch(ctx context.Context, src domain.Source) (domain.Batch, error) {
	start := c.clock.Now()
	batch, err := c.fetch(ctx, src)
	c.metrics.FetchDuration.WithLabelValues(src.ID).Observe(c.clock.Since(start).Seconds())

	switch {
	case err != nil:
		c.metrics.FetchRequests.WithLabelValues(src.ID, "error").Inc()
		return domain.Batch{}, fmt.Errorf("fetch %s: %w", src.ID, err)
	case batch.Degraded:
		c.metrics.FetchRequests.WithLabelValues(src.ID, "degraded").Inc()
		c.logger.Warn("source returned degraded payload", "source_id", src.ID, "events", len(batch.Events))
	default:
		c.metrics.FetchRequests.WithLabelValues(src.ID, "success").Inc()
	}
	return batch, nil
}

func (c *Client) fetch(ctx context.Context, src domain.Source) (domain.Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(src), nil)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.5")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Batch{}, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Batch{}, fmt.Errorf("read body: %w", err)
	}

	batch := domain.Batch{SourceID: src.ID, FetchedAt: c.clock.Now()}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		batch.Events, err = c.parseJSON(src, body)
	case mediaType == "text/html":
		batch.Events, err = parseHTML(src, body, c.logger)
		batch.Degraded = true
	default:
		batch.Events, err = c.parseJSON(src, body)
		if err != nil {
			err = fmt.Errorf("%w %q: %w", ErrUnsupportedContent, mediaType, err)
		}
	}
	if err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

func (c *Client) parseJSON(src domain.Source, body []byte) ([]domain.Event, error) {
	if src.Category == domain.CategoryTsunami {
		return parseTsunami(src, body, c.logger)
	}
	return parseSeismic(src, body, c.logger)
}

// Probe issues a minimal request to check that the source answers.
func (c *Client) Probe(ctx context.Context, src domain.Source) error {
	if c.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.probeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(src), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", src.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe %s: status %d", src.ID, resp.StatusCode)
	}
	return nil
}
