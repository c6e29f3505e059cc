package scraper

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/pkg/models"
)

// GridStatusClient fetches interval load from the GridStatus hosted API
type GridStatusClient struct {
	baseURL    string
	apiKey     string
	dataset    string
	columns    []string
	loadColumn string
	limit      int
	source     *time.Location
	client     *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewGridStatusClient creates a GridStatus client from the data settings
func NewGridStatusClient(cfg config.DataSettings, apiKey string, log *zap.Logger) *GridStatusClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &GridStatusClient{
		baseURL:    strings.TrimRight(cfg.GridStatusURL, "/"),
		apiKey:     apiKey,
		dataset:    cfg.Dataset,
		columns:    cfg.Columns,
		loadColumn: cfg.LoadColumn,
		limit:      cfg.Limit,
		source:     cfg.Timezones.SourceLocation(),
		client:     newHTTPClient(),
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
	}
}

type gridStatusResponse struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		Page        int  `json:"page"`
		HasNextPage bool `json:"hasNextPage"`
	} `json:"meta"`
}

// FetchLoad returns samples with start <= interval start < end, following
// pagination until the API reports no next page or the row limit is reached.
// Rows with a missing or unparseable load are skipped.
func (c *GridStatusClient) FetchLoad(ctx context.Context, start, end time.Time) ([]models.LoadSample, error) {
	var (
		samples []models.LoadSample
		rows    int
		skipped int
	)

	for page := 1; ; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &DataSourceError{Source: "gridstatus", Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}

		body, err := get(ctx, c.client, "gridstatus", c.queryURL(start, end, page), http.Header{"X-Api-Key": []string{c.apiKey}})
		if err != nil {
			return nil, err
		}

		var resp gridStatusResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &DataSourceError{Source: "gridstatus", Err: fmt.Errorf("decoding response: %w", err)}
		}

		for _, row := range resp.Data {
			rows++
			s, ok := c.parseRow(row)
			if !ok {
				skipped++
				continue
			}
			samples = append(samples, s)
		}

		if !resp.Meta.HasNextPage || len(resp.Data) == 0 || (c.limit > 0 && rows >= c.limit) {
			break
		}
	}

	c.log.Debug("fetched load rows",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("rows", rows),
		zap.Int("skipped", skipped))

	return samples, nil
}

func (c *GridStatusClient) queryURL(start, end time.Time, page int) string {
	params := url.Values{}
	params.Set("start_time", start.UTC().Format(time.RFC3339))
	params.Set("end_time", end.UTC().Format(time.RFC3339))
	params.Set("return_format", "json")
	params.Set("page", strconv.Itoa(page))
	if c.limit > 0 {
		params.Set("limit", strconv.Itoa(c.limit))
	}
	if len(c.columns) > 0 {
		params.Set("columns", strings.Join(c.columns, ","))
	}

	return fmt.Sprintf("%s/datasets/%s/query?%s", c.baseURL, url.PathEscape(c.dataset), params.Encode())
}

func (c *GridStatusClient) parseRow(row map[string]any) (models.LoadSample, bool) {
	rawTS, ok := row["interval_start_utc"].(string)
	if !ok {
		return models.LoadSample{}, false
	}
	ts, err := parseTimestamp(rawTS, c.source)
	if err != nil {
		return models.LoadSample{}, false
	}

	load, ok := toFloat(row[c.loadColumn])
	if !ok {
		return models.LoadSample{}, false
	}

	return models.LoadSample{Timestamp: ts, LoadMW: load}, true
}

// parseTimestamp accepts the ISO 8601 shapes GridStatus returns; a missing
// offset is read in loc
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// toFloat converts a JSON number or numeric string; NaN is passed through
// so the caller can drop it
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN(), false
		}
		return f, true
	default:
		return 0, false
	}
}
