// Package graph holds the pieces the Facebook and Instagram adapters share
// with the Graph API: error classification and id decoding.
package graph

import (
	"encoding/json"
	"net/http"

	"crosspost/internal/crosspost"
)

const (
	// CodeInvalidToken marks an expired or revoked access token.
	CodeInvalidToken = 190
	// CodeTransient is the "unknown error, retry" code Instagram returns
	// while a container is being created.
	CodeTransient = 2
)

// APIError is the Graph error envelope.
type APIError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
}

// ParseError returns the error envelope of body, if any.
func ParseError(body []byte) (APIError, bool) {
	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return APIError{}, false
	}
	return *env.Error, true
}

// Classify maps token errors to authentication regardless of the status
// the API used.
func Classify(status int, body []byte) crosspost.ErrorClass {
	if e, ok := ParseError(body); ok && e.Code == CodeInvalidToken {
		return crosspost.ClassAuthentication
	}
	if status == http.StatusUnauthorized {
		return crosspost.ClassAuthentication
	}
	return crosspost.ClassNone
}

// ID is a Graph object reference in a create response.
type ID struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// Best prefers the post id when the API returned one.
func (i ID) Best() string {
	if i.PostID != "" {
		return i.PostID
	}
	return i.ID
}
