package chart

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/pkg/models"
)

// Spec describes one chart to render
type Spec struct {
	Title     string
	Subtitle  string
	Series    Series
	Reference *Reference // optional horizontal line, e.g. fleet output
	Markers   bool       // annotate the series maximum and minimum
}

// Series is the primary time series
type Series struct {
	Name    string
	Samples []models.LoadSample
}

// Reference is a constant value drawn across the whole time range
type Reference struct {
	Label string
	Value float64
}

// Renderer draws Specs to PNG files
type Renderer struct {
	cfg config.Visualization
	loc *time.Location
}

// NewRenderer creates a renderer that labels times in loc
func NewRenderer(cfg config.Visualization, loc *time.Location) *Renderer {
	return &Renderer{cfg: cfg, loc: loc}
}

// FileName returns "<prefix>_<YYYYMMDD_HHMMSS>.png" for t
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.png", prefix, t.Format("20060102_150405"))
}

// Render writes the chart to path, creating the directory if needed
func (r *Renderer) Render(spec Spec, path string) error {
	if len(spec.Series.Samples) == 0 {
		return fmt.Errorf("chart %q has no samples", spec.Title)
	}

	graph := r.build(spec)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chart file: %w", err)
	}

	if err := graph.Render(gochart.PNG, f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("rendering chart: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing chart file: %w", err)
	}
	return nil
}

func (r *Renderer) build(spec Spec) gochart.Chart {
	samples := spec.Series.Samples
	xs := make([]time.Time, len(samples))
	ys := make([]float64, len(samples))
	maxIdx, minIdx := 0, 0
	for i, s := range samples {
		xs[i] = s.Timestamp.In(r.loc)
		ys[i] = s.LoadMW
		if s.LoadMW > samples[maxIdx].LoadMW {
			maxIdx = i
		}
		if s.LoadMW < samples[minIdx].LoadMW {
			minIdx = i
		}
	}

	series := []gochart.Series{
		gochart.TimeSeries{
			Name: spec.Series.Name,
			Style: gochart.Style{
				StrokeColor: color(r.cfg.Style.LineColor, "40E0D0"),
				StrokeWidth: 3,
			},
			XValues: xs,
			YValues: ys,
		},
	}

	if spec.Reference != nil {
		first, last := xs[0], xs[len(xs)-1]
		series = append(series, gochart.TimeSeries{
			Name: spec.Reference.Label,
			Style: gochart.Style{
				StrokeColor:     color(r.cfg.Style.NuclearColor, "8E44AD"),
				StrokeWidth:     3,
				StrokeDashArray: []float64{8, 4},
			},
			XValues: []time.Time{first, last},
			YValues: []float64{spec.Reference.Value, spec.Reference.Value},
		})
	}

	if spec.Markers {
		series = append(series,
			marker(xs[maxIdx], ys[maxIdx], "Max "+humanize.Comma(int64(ys[maxIdx]))+" MW", color(r.cfg.Style.MaxColor, "FF9E80")),
			marker(xs[minIdx], ys[minIdx], "Min "+humanize.Comma(int64(ys[minIdx]))+" MW", color(r.cfg.Style.MinColor, "FFEB3B")),
		)
	}

	title := spec.Title
	if spec.Subtitle != "" {
		title += " | " + spec.Subtitle
	}

	graph := gochart.Chart{
		Title:  title,
		Width:  orDefault(r.cfg.Width, 1200),
		Height: orDefault(r.cfg.Height, 800),
		DPI:    float64(orDefault(r.cfg.DPI, 100)),
		Background: gochart.Style{
			Padding: gochart.Box{Top: 50, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: gochart.XAxis{
			Name:  r.cfg.Attribution,
			Ticks: r.hourTicks(xs[0], xs[len(xs)-1]),
		},
		YAxis: gochart.YAxis{
			Name: "MW",
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return humanize.Comma(int64(f))
				}
				return ""
			},
		},
		Series: series,
	}
	if ys[maxIdx] == ys[minIdx] && spec.Reference == nil {
		// go-chart refuses a zero-height range
		graph.YAxis.Range = &gochart.ContinuousRange{Min: ys[minIdx] - 1, Max: ys[maxIdx] + 1}
	}
	graph.Elements = []gochart.Renderable{gochart.Legend(&graph)}
	return graph
}

// hourTicks places a tick on every HourInterval-th local hour in [first, last]
func (r *Renderer) hourTicks(first, last time.Time) []gochart.Tick {
	step := orDefault(r.cfg.HourInterval, 3)

	t := first.Truncate(time.Hour)
	if t.Before(first) {
		t = t.Add(time.Hour)
	}

	var ticks []gochart.Tick
	for ; !t.After(last); t = t.Add(time.Hour) {
		if t.Hour()%step != 0 {
			continue
		}
		ticks = append(ticks, gochart.Tick{
			Value: gochart.TimeToFloat64(t),
			Label: t.Format("3 PM"),
		})
	}
	return ticks
}

// Ticks exposes the hour ticks for the given samples
func (r *Renderer) Ticks(samples []models.LoadSample) []string {
	if len(samples) == 0 {
		return nil
	}
	first := samples[0].Timestamp.In(r.loc)
	last := samples[len(samples)-1].Timestamp.In(r.loc)

	var labels []string
	for _, tick := range r.hourTicks(first, last) {
		labels = append(labels, tick.Label)
	}
	return labels
}

func marker(x time.Time, y float64, label string, c drawing.Color) gochart.AnnotationSeries {
	return gochart.AnnotationSeries{
		Style: gochart.Style{
			FillColor:   c,
			StrokeColor: c,
		},
		Annotations: []gochart.Value2{
			{XValue: gochart.TimeToFloat64(x), YValue: y, Label: label},
		},
	}
}

func color(hex, fallback string) drawing.Color {
	if hex == "" {
		hex = fallback
	}
	return drawing.ColorFromHex(hex)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
