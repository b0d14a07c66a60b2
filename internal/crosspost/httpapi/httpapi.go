// Package httpapi is the shared HTTP call helper for channel adapters. It
// encodes requests, decodes responses and maps failures onto the
// crosspost error taxonomy.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/crosspost"
)

// Doer is satisfied by *http.Client. Tests inject httptest clients.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBody caps how much of a failed response ends up in an error.
const maxErrorBody = 512

// DefaultClient is used when an adapter is built without a transport.
func DefaultClient() Doer { return &http.Client{Timeout: 2 * time.Minute} }

// Classifier can override the class of a non-2xx response.
type Classifier func(status int, body []byte) crosspost.ErrorClass

// Client performs calls on behalf of one channel.
type Client struct {
	Doer     Doer
	Channel  crosspost.Channel
	Classify Classifier
}

func New(ch crosspost.Channel, d Doer) Client {
	if d == nil {
		d = DefaultClient()
	}
	return Client{Doer: d, Channel: ch}
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body into out; an empty body is not an error.
func (r Response) Decode(out any) error {
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Bearer returns an Authorization header with a bearer token.
func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// Do sends req and classifies the result. op names the call in errors.
func (c Client) Do(req *http.Request, op string) (Response, error) {
	resp, err := c.Doer.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			err = ctxErr
		}
		return Response{}, crosspost.Transient(c.Channel, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, crosspost.Transient(c.Channel, op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, c.statusError(op, resp.StatusCode, body)
}

func (c Client) statusError(op string, status int, body []byte) error {
	class := crosspost.ClassTransientNetwork
	switch status {
	case http.StatusUnauthorized:
		class = crosspost.ClassAuthentication
	case http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		class = crosspost.ClassMediaConstraint
	}
	if c.Classify != nil {
		if cl := c.Classify(status, body); cl != crosspost.ClassNone {
			class = cl
		}
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	if snippet == "" {
		snippet = http.StatusText(status)
	}
	return &crosspost.Error{Class: class, Channel: c.Channel, Op: op, Status: status, Err: fmt.Errorf("%s", snippet)}
}

// JSON sends in (may be nil) as a JSON body and decodes the reply into out.
func (c Client) JSON(ctx context.Context, method, endpoint string, header http.Header, in, out any) (Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return Response{}, crosspost.Transient(c.Channel, endpoint, fmt.Errorf("encode: %w", err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Response{}, crosspost.Transient(c.Channel, endpoint, err)
	}
	copyHeader(req.Header, header)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.finish(req, out)
}

// Form posts url-encoded values.
func (c Client) Form(ctx context.Context, endpoint string, header http.Header, values url.Values, out any) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return Response{}, crosspost.Transient(c.Channel, endpoint, err)
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.finish(req, out)
}

// Raw sends body as-is with the given content type.
func (c Client) Raw(ctx context.Context, method, endpoint string, header http.Header, contentType string, body []byte, out any) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, crosspost.Transient(c.Channel, endpoint, err)
	}
	copyHeader(req.Header, header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.finish(req, out)
}

// File is one multipart file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Multipart posts fields plus an optional file part.
func (c Client) Multipart(ctx context.Context, endpoint string, header http.Header, fields map[string]string, file *File, out any) (Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Response{}, crosspost.Transient(c.Channel, endpoint, err)
		}
	}
	if file != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Name))
		ct := file.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return Response{}, crosspost.Transient(c.Channel, endpoint, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return Response{}, crosspost.Transient(c.Channel, endpoint, err)
		}
	}
	if err := mw.Close(); err != nil {
		return Response{}, crosspost.Transient(c.Channel, endpoint, err)
	}
	return c.Raw(ctx, http.MethodPost, endpoint, header, mw.FormDataContentType(), buf.Bytes(), out)
}

func (c Client) finish(req *http.Request, out any) (Response, error) {
	op := req.URL.Path
	resp, err := c.Do(req, op)
	if err != nil {
		return resp, err
	}
	if err := resp.Decode(out); err != nil {
		return resp, crosspost.Transient(c.Channel, op, fmt.Errorf("decode: %w", err))
	}
	return resp, nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ce *crosspost.Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}
