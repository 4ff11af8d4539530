// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package restutil carries the HTTP plumbing shared by the api packages:
// error-returning handlers and RFC 9457 problem responses.
package restutil

import (
	"encoding/json"
	"io"
	"net/http"
)

// Problem is an RFC 9457 problem details body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type httpError struct {
	cause  error
	status int
}

func (e *httpError) Error() string {
	return e.cause.Error()
}

func (e *httpError) Unwrap() error {
	return e.cause
}

// HTTPError creates an error carrying an http status code.
func HTTPError(cause error, status int) error {
	return &httpError{cause: cause, status: status}
}

// BadRequest convenience method to create http bad request error.
func BadRequest(cause error) error {
	return &httpError{cause: cause, status: http.StatusBadRequest}
}

// Unauthorized convenience method to create http unauthorized error.
func Unauthorized(cause error) error {
	return &httpError{cause: cause, status: http.StatusUnauthorized}
}

// Forbidden convenience method to create http forbidden error.
func Forbidden(cause error) error {
	return &httpError{cause: cause, status: http.StatusForbidden}
}

// NotFound convenience method to create http not found error.
func NotFound(cause error) error {
	return &httpError{cause: cause, status: http.StatusNotFound}
}

// Conflict convenience method to create http conflict error.
func Conflict(cause error) error {
	return &httpError{cause: cause, status: http.StatusConflict}
}

// UnprocessableEntity convenience method for semantically invalid requests.
func UnprocessableEntity(cause error) error {
	return &httpError{cause: cause, status: http.StatusUnprocessableEntity}
}

// HandlerFunc like http.HandlerFunc, but it returns an error. If the returned
// error is an httpError its status is responded, otherwise 500.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// WrapHandlerFunc converts HandlerFunc to http.HandlerFunc, rendering errors
// as problem details.
func WrapHandlerFunc(f HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			status := http.StatusInternalServerError
			if he, ok := err.(*httpError); ok {
				status = he.status
			}
			WriteProblem(w, &Problem{
				Type:   "about:blank",
				Title:  http.StatusText(status),
				Status: status,
				Detail: err.Error(),
			})
		}
	}
}

// content types
const (
	JSONContentType    = "application/json; charset=utf-8"
	ProblemContentType = "application/problem+json; charset=utf-8"
)

// ParseJSON parses a JSON object using strict mode.
func ParseJSON(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// WriteJSON responds an object in JSON encoding.
func WriteJSON(w http.ResponseWriter, obj any) error {
	w.Header().Set("Content-Type", JSONContentType)
	return json.NewEncoder(w).Encode(obj)
}

// WriteJSONStatus responds an object with an explicit status code.
func WriteJSONStatus(w http.ResponseWriter, status int, obj any) error {
	w.Header().Set("Content-Type", JSONContentType)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(obj)
}

// WriteProblem responds a problem details object.
func WriteProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(p.Status)
	// an encode failure here leaves nothing to respond with
	_ = json.NewEncoder(w).Encode(p)
}

// M shortcut for type map[string]any.
type M map[string]any
