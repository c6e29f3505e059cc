package scraper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/pkg/models"
)

// The report's midnight dates reflect readings taken around 9am Eastern
const nrcReadingHour = 9

var nrcDateLayouts = []string{
	"1/2/2006 3:04:05 PM",
	"01/02/2006 15:04:05",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NRCClient fetches the NRC power reactor status report
type NRCClient struct {
	url     string
	units   map[string]bool
	eastern *time.Location
	client  *http.Client
	log     *zap.Logger
}

// NewNRCClient creates a client that keeps only the given unit names
func NewNRCClient(reportURL string, units []string, log *zap.Logger) (*NRCClient, error) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading eastern timezone: %w", err)
	}

	keep := make(map[string]bool, len(units))
	for _, u := range units {
		keep[u] = true
	}

	return &NRCClient{
		url:     reportURL,
		units:   keep,
		eastern: eastern,
		client:  newHTTPClient(),
		log:     log,
	}, nil
}

// FetchStatus downloads and parses the report, returning readings for the configured units
func (c *NRCClient) FetchStatus(ctx context.Context) ([]models.ReactorStatus, error) {
	body, err := get(ctx, c.client, "nrc", c.url, nil)
	if err != nil {
		return nil, err
	}

	records, skipped, err := ParseNRCReport(bytes.NewReader(body), c.eastern, c.units)
	if err != nil {
		return nil, &DataSourceError{Source: "nrc", Err: err}
	}
	if skipped > 0 {
		c.log.Warn("skipped malformed NRC lines", zap.Int("count", skipped))
	}

	return records, nil
}

// ParseNRCReport parses the pipe-delimited "ReportDt|Unit|Power" text. The
// header line and malformed lines are skipped; skipped counts the latter.
// When units is non-empty only those unit names are returned.
func ParseNRCReport(r io.Reader, eastern *time.Location, units map[string]bool) (records []models.ReactorStatus, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if strings.HasPrefix(strings.ToLower(line), "reportdt") {
				continue
			}
		}

		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			skipped++
			continue
		}

		unit := strings.TrimSpace(fields[1])
		if len(units) > 0 && !units[unit] {
			continue
		}

		date, err := parseNRCDate(strings.TrimSpace(fields[0]), eastern)
		if err != nil {
			skipped++
			continue
		}

		power, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil || power < 0 || power > 100 {
			skipped++
			continue
		}

		records = append(records, models.ReactorStatus{
			ReportDate: date,
			UnitName:   unit,
			PowerPct:   power,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("reading report: %w", err)
	}

	return records, skipped, nil
}

// parseNRCDate reads the report's date as an Eastern wall-clock date, moves
// it to the reading time and returns it in UTC
func parseNRCDate(s string, eastern *time.Location) (time.Time, error) {
	for _, layout := range nrcDateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), nrcReadingHour, 0, 0, 0, eastern).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
