// Package opensearch indexes run history as OpenSearch documents and reads it
// back with a search query.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/history"
)

type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

var (
	_ history.Sink   = (*Sink)(nil)
	_ history.Reader = (*Sink)(nil)
)

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// Send indexes e as a new document.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	resp, err := s.do(ctx, "/_doc", e)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchResp struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent returns the newest events of site, newest first. A missing index
// yields no events.
func (s *Sink) Recent(ctx context.Context, site string, limit int) ([]history.Event, error) {
	query := map[string]any{
		"size":  limit,
		"sort":  []any{map[string]any{"occurred_at": map[string]string{"order": "desc"}}},
		"query": map[string]any{"term": map[string]any{"site.keyword": site}},
	}
	resp, err := s.do(ctx, "/_search", query)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var sr searchResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// do POSTs body as JSON to <base>/<index><path>. The caller closes the body
// of a successful response.
func (s *Sink) do(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	u := s.baseURL + "/" + s.index + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &statusError{path: path, code: resp.StatusCode, msg: string(bytes.TrimSpace(msg))}
	}
	return resp, nil
}

type statusError struct {
	path string
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("opensearch %s: status %d: %s", e.path, e.code, e.msg)
}
