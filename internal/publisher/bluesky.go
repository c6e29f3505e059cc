package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"

	"github.com/jgoulah/gridreport/internal/config"
)

// Post is one feed post: text, an optional PNG, and an optional source link
type Post struct {
	Text      string
	Image     []byte
	AltText   string
	LinkLabel string
	LinkURL   string
}

// PublishError is a failed publishing call. Retryable is set for network
// errors, rate limiting and server errors.
type PublishError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *PublishError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bluesky %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bluesky %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a PublishError worth retrying
func IsRetryable(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Retryable
}

// Bluesky posts to an AT Protocol PDS over XRPC
type Bluesky struct {
	host        string
	identifier  string
	password    string
	maxChars    int
	includeLink bool
	client      *http.Client
	log         *zap.Logger

	session *session
}

type session struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

// NewBluesky creates a client; login happens lazily on the first post
func NewBluesky(cfg *config.Config, identifier, password string, log *zap.Logger) *Bluesky {
	return &Bluesky{
		host:        strings.TrimRight(cfg.Bluesky.Host, "/"),
		identifier:  identifier,
		password:    password,
		maxChars:    cfg.GetMaxChars(),
		includeLink: cfg.Posting.IncludeLink,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

type facet struct {
	Index    facetIndex     `json:"index"`
	Features []facetFeature `json:"features"`
}

type facetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type facetFeature struct {
	Type string `json:"'$type'"`
	URI  string `json:"uri"`
}

type imageEmbed struct {
	Type   string       `json:"'$type'"`
	Images []embedImage `json:"images"`
}

type embedImage struct {
	Alt   string         `json:"alt"`
	Image jsontext.Value `json:"image"`
}

type feedPost struct {
	Type      string      `json:"'$type'"`
	Text      string      `json:"text"`
	CreatedAt string      `json:"createdAt"`
	Langs     []string    `json:"langs,omitempty"`
	Facets    []facet     `json:"facets,omitempty"`
	Embed     *imageEmbed `json:"embed,omitempty"`
}

type createRecordRequest struct {
	Repo       string   `json:"repo"`
	Collection string   `json:"collection"`
	Record     feedPost `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type uploadBlobResponse struct {
	Blob jsontext.Value `json:"blob"`
}

// Post publishes p and returns the record URI. An image that fails to
// upload is dropped and the post goes out as text only.
func (b *Bluesky) Post(ctx context.Context, p Post) (string, error) {
	if err := b.login(ctx); err != nil {
		return "", err
	}

	text, facets := composeText(p.Text, p.LinkLabel, p.LinkURL, b.maxChars, b.includeLink)
	record := feedPost{
		Type:      "app.bsky.feed.post",
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Langs:     []string{"en"},
		Facets:    facets,
	}

	if len(p.Image) > 0 {
		blob, err := b.uploadBlob(ctx, p.Image)
		if err != nil && b.session == nil {
			// token rejected; the retry logs in again and keeps the image
			return "", err
		}
		if err != nil {
			b.log.Warn("image upload failed, posting text only", zap.Error(err))
		} else {
			record.Embed = &imageEmbed{
				Type:   "app.bsky.embed.images",
				Images: []embedImage{{Alt: p.AltText, Image: blob}},
			}
		}
	}

	var resp createRecordResponse
	err := b.xrpc(ctx, "createRecord", "com.atproto.repo.createRecord", createRecordRequest{
		Repo:       b.session.DID,
		Collection: "app.bsky.feed.post",
		Record:     record,
	}, &resp)
	if err != nil {
		return "", err
	}

	b.log.Info("posted to bluesky", zap.String("uri", resp.URI), zap.Bool("image", record.Embed != nil))
	return resp.URI, nil
}

func (b *Bluesky) login(ctx context.Context) error {
	if b.session != nil {
		return nil
	}

	var s session
	err := b.xrpc(ctx, "createSession", "com.atproto.server.createSession", map[string]string{
		"identifier": b.identifier,
		"password":   b.password,
	}, &s)
	if err != nil {
		return err
	}
	b.session = &s
	b.log.Info("logged into bluesky", zap.String("handle", s.Handle))
	return nil
}

func (b *Bluesky) uploadBlob(ctx context.Context, image []byte) (jsontext.Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(image))
	if err != nil {
		return nil, &PublishError{Op: "uploadBlob", Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+b.session.AccessJwt)

	var resp uploadBlobResponse
	if err := b.do(req, "uploadBlob", &resp); err != nil {
		return nil, err
	}
	if len(resp.Blob) == 0 {
		return nil, &PublishError{Op: "uploadBlob", Err: errors.New("response has no blob")}
	}
	return resp.Blob, nil
}

func (b *Bluesky) xrpc(ctx context.Context, op, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &PublishError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/xrpc/"+method, bytes.NewReader(body))
	if err != nil {
		return &PublishError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.session != nil {
		req.Header.Set("Authorization", "Bearer "+b.session.AccessJwt)
	}

	return b.do(req, op, out)
}

func (b *Bluesky) do(req *http.Request, op string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return &PublishError{Op: op, Retryable: true, Err: fmt.Errorf("request error: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &PublishError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if resp.StatusCode == http.StatusUnauthorized && op != "createSession" {
			// expired access token; log in again on the next attempt
			b.session = nil
			retryable = true
		}
		return &PublishError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  retryable,
			Err:        fmt.Errorf("HTTP error: %s", strings.TrimSpace(string(body))),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &PublishError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

const ellipsis = "…"

// composeText bounds the post to maxChars characters and, when includeLink is
// set and a link is given, appends the label on its own paragraph with a link
// facet over it. The body is truncated before the link is.
func composeText(body, label, url string, maxChars int, includeLink bool) (string, []facet) {
	body = strings.TrimSpace(body)
	if !includeLink || label == "" || url == "" {
		return truncateRunes(body, maxChars), nil
	}

	suffix := "\n\n" + label
	budget := maxChars - utf8.RuneCountInString(suffix)
	if budget <= 0 {
		return truncateRunes(body, maxChars), nil
	}

	text := truncateRunes(body, budget) + suffix
	start := len(text) - len(label)
	return text, []facet{{
		Index: facetIndex{ByteStart: start, ByteEnd: len(text)},
		Features: []facetFeature{{
			Type: "app.bsky.richtext.facet#link",
			URI:  url,
		}},
	}}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 1 {
		return string([]rune(s)[:max(n, 0)])
	}
	return strings.TrimRight(string([]rune(s)[:n-1]), " \n") + ellipsis
}
