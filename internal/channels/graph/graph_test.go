package graph

import (
	"net/http"
	"testing"

	"crosspost/internal/crosspost"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		body   string
		want   crosspost.ErrorClass
	}{
		{"token expired", http.StatusBadRequest, `{"error":{"message":"Session has expired","code":190}}`, crosspost.ClassAuthentication},
		{"plain 401", http.StatusUnauthorized, ``, crosspost.ClassAuthentication},
		{"other code", http.StatusBadRequest, `{"error":{"code":100}}`, crosspost.ClassNone},
		{"not json", http.StatusBadGateway, `<html>`, crosspost.ClassNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.status, []byte(tc.body)); got != tc.want {
				t.Fatalf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseError(t *testing.T) {
	e, ok := ParseError([]byte(`{"error":{"message":"x","code":2,"error_subcode":2207001}}`))
	if !ok || e.Code != CodeTransient || e.ErrorSubcode != 2207001 {
		t.Fatalf("ParseError() = %+v, %v", e, ok)
	}
	if _, ok := ParseError([]byte(`{"id":"1"}`)); ok {
		t.Fatal("expected no error envelope")
	}
}
