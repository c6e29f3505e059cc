package publisher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/config"
)

type fakePDS struct {
	mu          sync.Mutex
	uploadCode  int
	recordCode  int
	sessions    int
	records     []map[string]any
	authHeaders []string
}

func (f *fakePDS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sessions++
		f.mu.Unlock()
		io.WriteString(w, `{"accessJwt":"token-1","refreshJwt":"r","did":"did:plc:abc","handle":"grid.bsky.social"}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		f.mu.Lock()
		code := f.uploadCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			io.WriteString(w, `{"error":"BlobTooLarge"}`)
			return
		}
		io.WriteString(w, `{"blob":{"$type":"blob","ref":{"$link":"bafk"},"mimeType":"image/png","size":4}}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		if f.recordCode != 0 {
			w.WriteHeader(f.recordCode)
			io.WriteString(w, `{"error":"oops"}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		f.records = append(f.records, req)
		io.WriteString(w, `{"uri":"at://did:plc:abc/app.bsky.feed.post/3k","cid":"bafy"}`)
	})
	return mux
}

func newTestBluesky(t *testing.T, pds *fakePDS) *Bluesky {
	t.Helper()
	srv := httptest.NewServer(pds.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Bluesky.Host = srv.URL
	return NewBluesky(cfg, "grid.bsky.social", "app-password", zap.NewNop())
}

func TestPostWithImageAndLink(t *testing.T) {
	pds := &fakePDS{}
	b := newTestBluesky(t, pds)

	uri, err := b.Post(context.Background(), Post{
		Text:      "ComEd Load Report",
		Image:     []byte("\x89PNG"),
		AltText:   "chart",
		LinkLabel: "PJM",
		LinkURL:   "https://www.pjm.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/3k", uri)
	assert.Equal(t, []string{"Bearer token-1"}, pds.authHeaders)

	require.Len(t, pds.records, 1)
	assert.Equal(t, "did:plc:abc", pds.records[0]["repo"])
	record := pds.records[0]["record"].(map[string]any)
	assert.Equal(t, "ComEd Load Report\n\nPJM", record["text"])

	embed := record["embed"].(map[string]any)
	assert.Equal(t, "app.bsky.embed.images", embed["$type"])
	images := embed["images"].([]any)
	require.Len(t, images, 1)
	assert.Equal(t, "chart", images[0].(map[string]any)["alt"])

	facets := record["facets"].([]any)
	require.Len(t, facets, 1)
	index := facets[0].(map[string]any)["index"].(map[string]any)
	assert.Equal(t, float64(19), index["byteStart"])
	assert.Equal(t, float64(22), index["byteEnd"])

	// session is reused
	_, err = b.Post(context.Background(), Post{Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, 1, pds.sessions)
}

func TestPostFallsBackToTextWhenUploadFails(t *testing.T) {
	pds := &fakePDS{uploadCode: http.StatusBadRequest}
	b := newTestBluesky(t, pds)

	_, err := b.Post(context.Background(), Post{Text: "hello", Image: []byte("\x89PNG"), AltText: "chart"})
	require.NoError(t, err)

	require.Len(t, pds.records, 1)
	record := pds.records[0]["record"].(map[string]any)
	assert.NotContains(t, record, "embed")
}

func TestPostExpiredTokenOnUploadIsRetryable(t *testing.T) {
	pds := &fakePDS{uploadCode: http.StatusUnauthorized}
	b := newTestBluesky(t, pds)
	post := Post{Text: "hi", Image: []byte("\x89PNG"), AltText: "chart"}

	var err error
	require.NotPanics(t, func() {
		_, err = b.Post(context.Background(), post)
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, pds.records)

	pds.mu.Lock()
	pds.uploadCode = 0
	pds.mu.Unlock()

	_, err = b.Post(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, 2, pds.sessions)
	require.Len(t, pds.records, 1)
	record := pds.records[0]["record"].(map[string]any)
	assert.Contains(t, record, "embed")
}

func TestPostErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBluesky(t, &fakePDS{recordCode: tt.code})

			_, err := b.Post(context.Background(), Post{Text: "hello"})
			require.Error(t, err)

			var pe *PublishError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestPostNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := config.Default()
	cfg.Bluesky.Host = srv.URL
	b := NewBluesky(cfg, "u", "p", zap.NewNop())

	_, err := b.Post(context.Background(), Post{Text: "hello"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestComposeTextTruncatesBodyBeforeLink(t *testing.T) {
	body := strings.Repeat("é", 400)
	text, facets := composeText(body, "NRC", "https://www.nrc.gov", 300, true)

	assert.Equal(t, 300, utf8.RuneCountInString(text))
	assert.True(t, strings.HasSuffix(text, "…\n\nNRC"))
	require.Len(t, facets, 1)
	assert.Equal(t, len(text)-3, facets[0].Index.ByteStart)
	assert.Equal(t, len(text), facets[0].Index.ByteEnd)
	assert.Equal(t, "NRC", text[facets[0].Index.ByteStart:facets[0].Index.ByteEnd])
}

func TestComposeTextWithoutLink(t *testing.T) {
	text, facets := composeText("short body", "NRC", "https://www.nrc.gov", 300, false)
	assert.Equal(t, "short body", text)
	assert.Empty(t, facets)

	text, _ = composeText(strings.Repeat("a", 10), "", "", 5, true)
	assert.Equal(t, "aaaa…", text)
}

func TestEncodeSummary(t *testing.T) {
	payload, err := EncodeSummary(Summary{
		Process:  "load",
		CycleID:  "c1",
		PostedAt: time.Date(2025, 1, 10, 9, 0, 0, 0, time.FixedZone("CST", -6*3600)),
		URI:      "at://x",
		Values:   map[string]float64{"average_mw": 10449},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "load", got["process"])
	assert.Equal(t, "2025-01-10T15:00:00Z", got["posted_at"])
	assert.Equal(t, float64(10449), got["values"].(map[string]any)["average_mw"])
}

func TestDisabledMirrorIsNoop(t *testing.T) {
	m, err := NewMirror(config.MQTTConfig{}, "")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, m.Publish(Summary{Process: "load"}))
	m.Close()

	_, err = NewMirror(config.MQTTConfig{Enabled: true}, "")
	assert.Error(t, err)
}

func TestMirrorUnreachableBrokerReturnsError(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := NewMirror(config.MQTTConfig{Enabled: true, Broker: "127.0.0.1:1"}, "")
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("NewMirror blocked with an unreachable broker")
	}
}
