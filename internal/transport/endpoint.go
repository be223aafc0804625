// Package transport holds the pieces shared by the backend clients: endpoint
// templates and request decoration.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TaskIDPlaceholder is replaced with the escaped task id in path templates.
const TaskIDPlaceholder = "{task_id}"

// Default backend paths.
const (
	DefaultStreamPath = "/api/progress/" + TaskIDPlaceholder
	DefaultStatusPath = "/api/status/" + TaskIDPlaceholder
)

// APIKeyHeader carries the optional backend API key.
const APIKeyHeader = "X-API-Key"

// Endpoint resolves per-task URLs against a backend base URL.
type Endpoint struct {
	base *url.URL
	path string
}

// NewEndpoint validates baseURL and pathTemplate.
func NewEndpoint(baseURL, pathTemplate string) (Endpoint, error) {
	if strings.TrimSpace(baseURL) == "" {
		return Endpoint{}, errors.New("backend base url is required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse backend base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return Endpoint{}, fmt.Errorf("backend base url %q must be absolute", baseURL)
	}
	if !strings.Contains(pathTemplate, TaskIDPlaceholder) {
		return Endpoint{}, fmt.Errorf("path template %q lacks %s", pathTemplate, TaskIDPlaceholder)
	}
	return Endpoint{base: base, path: pathTemplate}, nil
}

// URL returns the absolute URL for taskID.
func (e Endpoint) URL(taskID string) string {
	p := strings.ReplaceAll(e.path, TaskIDPlaceholder, url.PathEscape(taskID))
	return strings.TrimRight(e.base.String(), "/") + "/" + strings.TrimLeft(p, "/")
}

// WithScheme returns a copy of e using scheme, used to derive ws:// URLs.
func (e Endpoint) WithScheme(scheme string) Endpoint {
	u := *e.base
	u.Scheme = scheme
	return Endpoint{base: &u, path: e.path}
}

// Scheme returns the base URL scheme.
func (e Endpoint) Scheme() string {
	return e.base.Scheme
}

// Decorate sets the API key header when one is configured.
func Decorate(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set(APIKeyHeader, apiKey)
	}
}

// StatusError reports a non-success HTTP response from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}
