package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/pkg/models"
)

const eiaPageSize = 5000

// EIAClient fetches monthly generator capacity from the EIA v2 API
type EIAClient struct {
	url    string
	apiKey string
	client *http.Client
	log    *zap.Logger
}

// NewEIAClient creates an EIA capacity client
func NewEIAClient(apiURL, apiKey string, log *zap.Logger) *EIAClient {
	return &EIAClient{
		url:    apiURL,
		apiKey: apiKey,
		client: newHTTPClient(),
		log:    log,
	}
}

type eiaResponse struct {
	Response struct {
		Total any              `json:"total"` // the API sends this as a string
		Data  []map[string]any `json:"data"`
	} `json:"response"`
}

// FetchCapacity returns generator-level capacity rows for the given plants
// over [start, end] months, plus one summed plant-level row (GeneratorID "")
// per plant and period.
func (c *EIAClient) FetchCapacity(ctx context.Context, plantIDs []string, start, end time.Time) ([]models.PlantCapacity, error) {
	if len(plantIDs) == 0 {
		return nil, nil
	}

	var generators []models.PlantCapacity
	skipped := 0
	for offset := 0; ; offset += eiaPageSize {
		body, err := get(ctx, c.client, "eia", c.queryURL(plantIDs, start, end, offset), nil)
		if err != nil {
			return nil, err
		}

		var resp eiaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &DataSourceError{Source: "eia", Err: fmt.Errorf("decoding response: %w", err)}
		}

		for _, row := range resp.Response.Data {
			rec, ok := parseEIARow(row)
			if !ok {
				skipped++
				continue
			}
			generators = append(generators, rec)
		}

		total, _ := toFloat(resp.Response.Total)
		if len(resp.Response.Data) < eiaPageSize || float64(offset+len(resp.Response.Data)) >= total {
			break
		}
	}

	if len(generators) == 0 {
		return nil, &DataSourceError{Source: "eia", Err: fmt.Errorf("no capacity data returned")}
	}
	if skipped > 0 {
		c.log.Warn("skipped incomplete EIA rows", zap.Int("count", skipped))
	}

	return append(generators, SumByPlant(generators)...), nil
}

func (c *EIAClient) queryURL(plantIDs []string, start, end time.Time, offset int) string {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("frequency", "monthly")
	params.Add("data[0]", "net-summer-capacity-mw")
	params.Add("data[1]", "net-winter-capacity-mw")
	for _, id := range plantIDs {
		params.Add("facets[plantid][]", id)
	}
	params.Set("start", models.PeriodKey(start))
	params.Set("end", models.PeriodKey(end))
	params.Set("sort[0][column]", "period")
	params.Set("sort[0][direction]", "desc")
	params.Set("offset", strconv.Itoa(offset))
	params.Set("length", strconv.Itoa(eiaPageSize))

	sep := "?"
	if strings.Contains(c.url, "?") {
		sep = "&"
	}
	return c.url + sep + params.Encode()
}

func parseEIARow(row map[string]any) (models.PlantCapacity, bool) {
	period, ok := row["period"].(string)
	if !ok {
		return models.PlantCapacity{}, false
	}
	p, err := time.Parse("2006-01", period)
	if err != nil {
		return models.PlantCapacity{}, false
	}

	plantID := toString(row["plantid"])
	generatorID := toString(row["generatorid"])
	summer, okS := toFloat(row["net-summer-capacity-mw"])
	winter, okW := toFloat(row["net-winter-capacity-mw"])
	if plantID == "" || generatorID == "" || !okS || !okW {
		return models.PlantCapacity{}, false
	}

	return models.PlantCapacity{
		PlantID:             plantID,
		GeneratorID:         generatorID,
		Period:              p,
		NetSummerCapacityMW: summer,
		NetWinterCapacityMW: winter,
	}, true
}

// SumByPlant totals generator rows into plant-level rows per (plant, period)
func SumByPlant(generators []models.PlantCapacity) []models.PlantCapacity {
	type key struct {
		plant  string
		period time.Time
	}
	type sums struct {
		summer, winter decimal.Decimal
	}

	totals := make(map[key]*sums)
	var order []key
	for _, g := range generators {
		if g.GeneratorID == "" {
			continue
		}
		k := key{g.PlantID, g.Period}
		s, ok := totals[k]
		if !ok {
			s = &sums{}
			totals[k] = s
			order = append(order, k)
		}
		s.summer = s.summer.Add(decimal.NewFromFloat(g.NetSummerCapacityMW))
		s.winter = s.winter.Add(decimal.NewFromFloat(g.NetWinterCapacityMW))
	}

	sort.Slice(order, func(i, j int) bool {
		if !order[i].period.Equal(order[j].period) {
			return order[i].period.Before(order[j].period)
		}
		return order[i].plant < order[j].plant
	})

	plants := make([]models.PlantCapacity, 0, len(order))
	for _, k := range order {
		s := totals[k]
		plants = append(plants, models.PlantCapacity{
			PlantID:             k.plant,
			Period:              k.period,
			NetSummerCapacityMW: s.summer.InexactFloat64(),
			NetWinterCapacityMW: s.winter.InexactFloat64(),
		})
	}
	return plants
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
