package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
)

// Handle is the channel-side reference of an uploaded object. Pending means
// the channel still processes it and the caller must poll.
type Handle struct {
	ID      string
	URL     string
	Pending bool
}

// Uploader is one channel upload strategy.
type Uploader interface {
	Upload(ctx context.Context, b Blob) (Handle, error)
}

// UploadFunc is the single-shot strategy.
type UploadFunc func(ctx context.Context, b Blob) (Handle, error)

func (f UploadFunc) Upload(ctx context.Context, b Blob) (Handle, error) { return f(ctx, b) }

// Pipeline fetches, validates and uploads.
type Pipeline struct {
	Fetcher Fetcher
}

func NewPipeline(ch crosspost.Channel, d httpapi.Doer) Pipeline {
	return Pipeline{Fetcher: Fetcher{Doer: d, Channel: ch}}
}

// Transfer never calls up when the source violates c.
func (p Pipeline) Transfer(ctx context.Context, url string, c Constraints, up Uploader) (Handle, error) {
	blob, err := p.Fetcher.Fetch(ctx, url, c)
	if err != nil {
		return Handle{}, err
	}
	return up.Upload(ctx, blob)
}

// Multipart posts the blob as a form file to each endpoint in order and
// falls back to the next one on any non-auth rejection.
type Multipart struct {
	Client    httpapi.Client
	Endpoints []string
	Field     string
	Fields    map[string]string
	Header    http.Header
	// Decode reads the handle from a 2xx reply; nil expects {"id","url"}.
	Decode func(resp httpapi.Response) (Handle, error)
}

func (m Multipart) Upload(ctx context.Context, b Blob) (Handle, error) {
	field := m.Field
	if field == "" {
		field = "file"
	}
	name := b.Name
	if name == "" {
		name = "upload"
	}
	decode := m.Decode
	if decode == nil {
		decode = decodeIDURL
	}
	var lastErr error
	for _, ep := range m.Endpoints {
		resp, err := m.Client.Multipart(ctx, ep, m.Header, m.Fields, &httpapi.File{
			Field: field, Name: name, ContentType: b.ContentType, Data: b.Data,
		}, nil)
		if err != nil {
			if crosspost.IsAuth(err) || ctx.Err() != nil {
				return Handle{}, err
			}
			lastErr = err
			continue
		}
		h, err := decode(resp)
		if err != nil {
			return Handle{}, crosspost.Transient(m.Client.Channel, "upload", err)
		}
		if resp.Status == http.StatusAccepted {
			h.Pending = true
		}
		return h, nil
	}
	if lastErr == nil {
		lastErr = crosspost.Configuration(m.Client.Channel, "no upload endpoint")
	}
	return Handle{}, lastErr
}

func decodeIDURL(resp httpapi.Response) (Handle, error) {
	var out struct {
		ID  json.RawMessage `json:"id"`
		URL *string         `json:"url"`
	}
	if err := resp.Decode(&out); err != nil {
		return Handle{}, err
	}
	id := jsonID(out.ID)
	if id == "" {
		return Handle{}, errors.New("upload response without id")
	}
	h := Handle{ID: id}
	if out.URL == nil || *out.URL == "" {
		h.Pending = true
	} else {
		h.URL = *out.URL
	}
	return h, nil
}

// jsonID accepts ids encoded as strings or numbers.
func jsonID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
