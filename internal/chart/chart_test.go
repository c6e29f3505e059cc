package chart

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoulah/gridreport/internal/config"
	"github.com/jgoulah/gridreport/pkg/models"
)

func samples(start time.Time, n int) []models.LoadSample {
	out := make([]models.LoadSample, n)
	for i := range out {
		out[i] = models.LoadSample{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute),
			LoadMW:    9000 + float64(i%48)*50,
		}
	}
	return out
}

func TestRenderWritesPNG(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	r := NewRenderer(config.Default().Visualization, loc)

	path := filepath.Join(t.TempDir(), "out", FileName("comed_load", time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)))
	err = r.Render(Spec{
		Title:     "ComEd Load",
		Subtitle:  "Last 24 hours",
		Series:    Series{Name: "Load", Samples: samples(time.Date(2025, 1, 9, 15, 0, 0, 0, time.UTC), 288)},
		Reference: &Reference{Label: "Nuclear output", Value: 10000},
		Markers:   true,
	}, path)
	require.NoError(t, err)

	assert.Equal(t, "comed_load_20250110_090000.png", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestRenderFlatSeries(t *testing.T) {
	r := NewRenderer(config.Default().Visualization, time.UTC)
	flat := []models.LoadSample{
		{Timestamp: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), LoadMW: 500},
		{Timestamp: time.Date(2025, 1, 10, 1, 0, 0, 0, time.UTC), LoadMW: 500},
	}
	path := filepath.Join(t.TempDir(), "flat.png")
	require.NoError(t, r.Render(Spec{Title: "Flat", Series: Series{Name: "Load", Samples: flat}}, path))
}

func TestRenderRejectsEmptySeries(t *testing.T) {
	r := NewRenderer(config.Default().Visualization, time.UTC)
	path := filepath.Join(t.TempDir(), "empty.png")

	assert.Error(t, r.Render(Spec{Title: "Empty"}, path))
	assert.NoFileExists(t, path)
}

func TestTicksFollowHourInterval(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	cfg := config.Default().Visualization
	cfg.HourInterval = 6
	r := NewRenderer(cfg, loc)

	// 12:30 AM to 11:55 PM Chicago time
	got := r.Ticks(samples(time.Date(2025, 1, 10, 6, 30, 0, 0, time.UTC), 282))
	assert.Equal(t, []string{"6 AM", "12 PM", "6 PM"}, got)
}
