package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/history"
	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

const defaultAPIURL = "http://127.0.0.1:8090/api"

// ErrNotFound is returned for an unknown site or a disabled endpoint.
var ErrNotFound = errors.New("not found")

// APIClient talks to the status API of a running daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks that the daemon answers its health endpoint.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SiteStatus mirrors the API's site object.
type SiteStatus struct {
	updater.Status
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (c *APIClient) Sites() ([]SiteStatus, error) {
	var out []SiteStatus
	if err := c.get("/sites", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Site(id string) (SiteStatus, error) {
	var out SiteStatus
	err := c.get("/sites/"+url.PathEscape(id), &out)
	return out, err
}

func (c *APIClient) History(id string, limit int) ([]history.Event, error) {
	var out []history.Event
	path := "/sites/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.get(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) get(path string, v any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errorResp)
		if errorResp.Error == "" {
			errorResp.Error = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
