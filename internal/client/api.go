// Package client talks to the document service over HTTP and keeps a local
// replica of one document in sync with it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gogotex/livedoc/internal/document"
)

var (
	// ErrGivenUp is reported once a session exhausts its reconnect attempts.
	ErrGivenUp = errors.New("client: gave up reconnecting")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("client: session closed")
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

// API is a thin HTTP client for the document endpoints. The underlying
// http.Client should not set a Timeout: event streams are long-lived, so
// deadlines are carried by the request contexts instead.
type API struct {
	BaseURL string
	Client  *http.Client
}

// NewAPI returns an API rooted at baseURL (for example "http://host:5010/api").
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{BaseURL: strings.TrimRight(baseURL, "/"), Client: httpClient}
}

func (a *API) url(id, suffix string) string {
	return a.BaseURL + "/document/" + url.PathEscape(id) + suffix
}

func (a *API) do(ctx context.Context, op, method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

type nameBody struct {
	UserName string `json:"userName"`
}

// Join registers name as a participant and returns the live participant list.
func (a *API) Join(ctx context.Context, id, name string) ([]document.Participant, error) {
	var out struct {
		Users []document.Participant `json:"users"`
	}
	if err := a.do(ctx, "join "+id, http.MethodPost, a.url(id, "/join"), nameBody{name}, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Leave removes name from the document.
func (a *API) Leave(ctx context.Context, id, name string) error {
	return a.do(ctx, "leave "+id, http.MethodPost, a.url(id, "/leave"), nameBody{name}, nil)
}

// Snapshot fetches the current document state.
func (a *API) Snapshot(ctx context.Context, id string) (document.Snapshot, error) {
	var snap document.Snapshot
	err := a.do(ctx, "snapshot "+id, http.MethodGet, a.url(id, ""), nil, &snap)
	return snap, err
}

// Mutate sends a write and returns the resulting document state.
func (a *API) Mutate(ctx context.Context, id string, req document.WriteRequest) (document.Snapshot, error) {
	var snap document.Snapshot
	err := a.do(ctx, "mutate "+id, http.MethodPut, a.url(id, ""), req, &snap)
	return snap, err
}

// Subscribe opens the event stream for a document. The stream stays open
// until ctx is done, the server goes away, or Close is called.
func (a *API) Subscribe(ctx context.Context, id string) (*Stream, error) {
	op := "subscribe " + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(id, "/events"), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return newStream(resp.Body), nil
}
