package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/crosspost"
)

func TestJSONRoundTripAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"status":"hi"}`, string(body))
		_, _ = w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	c := New(crosspost.Mastodon, srv.Client())
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.JSON(context.Background(), http.MethodPost, srv.URL+"/api/v1/statuses", Bearer("tok"), map[string]string{"status": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "42", out.ID)
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		class  crosspost.ErrorClass
	}{
		{http.StatusUnauthorized, `{"error":"expired"}`, crosspost.ClassAuthentication},
		{http.StatusBadRequest, `{"error":"bad"}`, crosspost.ClassTransientNetwork},
		{http.StatusBadGateway, ``, crosspost.ClassTransientNetwork},
		{http.StatusForbidden, `{"error":"scope"}`, crosspost.ClassTransientNetwork},
		{http.StatusRequestEntityTooLarge, `too big`, crosspost.ClassMediaConstraint},
		{http.StatusUnsupportedMediaType, ``, crosspost.ClassMediaConstraint},
		{http.StatusBadRequest, `{"error":{"code":190}}`, crosspost.ClassAuthentication},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		c := New(crosspost.Facebook, srv.Client())
		c.Classify = func(_ int, body []byte) crosspost.ErrorClass {
			if strings.Contains(string(body), `"code":190`) {
				return crosspost.ClassAuthentication
			}
			return crosspost.ClassNone
		}
		_, err := c.JSON(context.Background(), http.MethodGet, srv.URL+"/x", nil, nil, nil)
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.class, crosspost.ClassOf(err), "status %d", tc.status)
		assert.Equal(t, tc.status, StatusOf(err))
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	c := New(crosspost.Slack, doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: refused")
	}))
	_, err := c.JSON(context.Background(), http.MethodPost, "http://example.invalid/hook", nil, map[string]string{}, nil)
	assert.True(t, errors.Is(err, crosspost.ErrTransientNetwork))
}

func TestMultipartCarriesFieldsAndFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ADD", r.FormValue("action"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "media.bin", hdr.Filename)
		assert.Equal(t, []byte{1, 2, 3}, data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(crosspost.Snapchat, srv.Client())
	resp, err := c.Multipart(context.Background(), srv.URL, nil, map[string]string{"action": "ADD"},
		&File{Field: "file", Name: "media.bin", Data: []byte{1, 2, 3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }
