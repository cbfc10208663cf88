package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/store"
)

// Remote is the authoritative store as seen by a client.
type Remote interface {
	List(ctx context.Context, householdID string) ([]store.ListEntry, error)
	// FindActive returns the active entry for the product, or nil.
	FindActive(ctx context.Context, householdID, productID string) (*store.ListEntry, error)
	// Insert creates an active entry. When the product is already active it
	// returns the existing entry together with ErrDuplicateEntry.
	Insert(ctx context.Context, householdID string, n store.NewListEntry) (*store.ListEntry, error)
	Update(ctx context.Context, householdID, id string, u store.EntryUpdate) (*store.ListEntry, error)
	Delete(ctx context.Context, householdID, id string) error
}

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// HTTPRemote talks to a restock server.
type HTTPRemote struct {
	http      *http.Client
	serverURL string
}

// NewHTTPRemote creates a client for the server at serverURL.
// An empty serverURL falls back to RESTOCK_URL, then http://127.0.0.1:37778.
func NewHTTPRemote(serverURL string) *HTTPRemote {
	if serverURL == "" {
		serverURL = os.Getenv("RESTOCK_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &HTTPRemote{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps the status onto the shared sentinel errors so callers can use
// errors.Is and the retry policy can tell transient failures apart.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return common.ErrNotFound
	case http.StatusConflict:
		return common.ErrDuplicateEntry
	case http.StatusBadRequest:
		return common.ErrInvalidTransition
	case http.StatusUnauthorized, http.StatusForbidden:
		return common.ErrUnauthorized
	}
	return nil
}

func (c *HTTPRemote) do(ctx context.Context, method, path string, body any, header http.Header) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}

func entriesPath(householdID string) string {
	return "/api/households/" + url.PathEscape(householdID) + "/entries"
}

// List returns every entry of the household.
func (c *HTTPRemote) List(ctx context.Context, householdID string) ([]store.ListEntry, error) {
	data, err := c.do(ctx, http.MethodGet, entriesPath(householdID), nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Entries []store.ListEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return resp.Entries, nil
}

// FindActive returns the active entry for the product, or nil.
func (c *HTTPRemote) FindActive(ctx context.Context, householdID, productID string) (*store.ListEntry, error) {
	data, err := c.do(ctx, http.MethodGet, entriesPath(householdID)+"/active/"+url.PathEscape(productID), nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e store.ListEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

// Insert creates an active entry, or returns the existing one with
// ErrDuplicateEntry.
func (c *HTTPRemote) Insert(ctx context.Context, householdID string, n store.NewListEntry) (*store.ListEntry, error) {
	data, err := c.do(ctx, http.MethodPost, entriesPath(householdID), n, nil)
	if errors.Is(err, common.ErrDuplicateEntry) {
		var resp struct {
			Entry *store.ListEntry `json:"entry"`
		}
		if jerr := json.Unmarshal(data, &resp); jerr != nil {
			return nil, err
		}
		return resp.Entry, err
	}
	if err != nil {
		return nil, err
	}
	var e store.ListEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

// Update applies a partial update and returns the stored entry.
func (c *HTTPRemote) Update(ctx context.Context, householdID, id string, u store.EntryUpdate) (*store.ListEntry, error) {
	data, err := c.do(ctx, http.MethodPatch, entriesPath(householdID)+"/"+url.PathEscape(id), u, nil)
	if err != nil {
		return nil, err
	}
	var e store.ListEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

// Delete removes an entry. Missing entries are not an error.
func (c *HTTPRemote) Delete(ctx context.Context, householdID, id string) error {
	_, err := c.do(ctx, http.MethodDelete, entriesPath(householdID)+"/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

// Run triggers an engine run on the server using the run secret.
func (c *HTTPRemote) Run(ctx context.Context, secret string) (engine.Summary, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+secret)

	var sum engine.Summary
	data, err := c.do(ctx, http.MethodPost, "/api/run", nil, h)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			// 409 here means a run is already going, not a duplicate entry.
			return sum, common.Permanent(fmt.Errorf("%s: %w", se.Error(), common.ErrRunInProgress))
		}
		if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
			return sum, common.Permanent(err)
		}
		return sum, err
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		return sum, fmt.Errorf("decode run summary: %w", err)
	}
	return sum, nil
}

// Healthy checks if the server is reachable.
func (c *HTTPRemote) Healthy(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err == nil
}
