package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/httpapi"
)

// Constraints are one channel's media limits. Kinds are accepted
// content-type prefixes ("image/", "video/mp4"); empty accepts anything.
type Constraints struct {
	MaxBytes int64
	Kinds    []string
}

func (c Constraints) accepts(contentType string) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	ct := strings.ToLower(contentType)
	for _, k := range c.Kinds {
		if strings.HasPrefix(ct, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Blob is a fetched media object held in memory.
type Blob struct {
	Data        []byte
	ContentType string
	Name        string
}

func (b Blob) Size() int64 { return int64(len(b.Data)) }

// Fetcher downloads media sources.
type Fetcher struct {
	Doer    httpapi.Doer
	Channel crosspost.Channel
}

// Fetch streams url and enforces c. Every failure is a media constraint
// error so callers can run their fallback chain.
func (f Fetcher) Fetch(ctx context.Context, url string, c Constraints) (Blob, error) {
	fail := func(err error) (Blob, error) {
		return Blob{}, crosspost.MediaConstraint(f.Channel, "fetch", err)
	}
	if strings.TrimSpace(url) == "" {
		return fail(fmt.Errorf("empty media url"))
	}
	doer := f.Doer
	if doer == nil {
		doer = httpapi.DefaultClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err)
	}
	resp, err := doer.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Errorf("download status %d", resp.StatusCode))
	}
	if c.MaxBytes > 0 && resp.ContentLength > c.MaxBytes {
		return fail(fmt.Errorf("declared size %d exceeds limit %d", resp.ContentLength, c.MaxBytes))
	}

	var r io.Reader = resp.Body
	if c.MaxBytes > 0 {
		r = io.LimitReader(resp.Body, c.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fail(err)
	}
	if c.MaxBytes > 0 && int64(len(data)) > c.MaxBytes {
		return fail(fmt.Errorf("size exceeds limit %d", c.MaxBytes))
	}

	ct := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	if !c.accepts(ct) {
		return fail(fmt.Errorf("content type %q not accepted", ct))
	}
	return Blob{Data: data, ContentType: ct, Name: path.Base(req.URL.Path)}, nil
}
