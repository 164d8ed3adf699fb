package coordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/elastrain/elastrain/internal/topology"
)

const watchPollTimeout = 30 * time.Second

// HTTPClient implements Client against a store server.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTPClient returns a client for the given endpoint, e.g.
// "http://10.0.0.5:7420".
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: watchPollTimeout + 10*time.Second},
	}
}

// do sends one JSON request and decodes the JSON response into out. Error
// bodies are mapped back onto the sentinel taxonomy. A 204 reports false with
// no decode.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, errors.Wrap(err, "marshal request")
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return false, errors.Errorf("http %s %s: status %d", method, path, resp.StatusCode)
		}
		return false, codeToError(eb.Code, eb.Error)
	}
	if out == nil {
		return true, nil
	}
	return true, json.NewDecoder(resp.Body).Decode(out)
}

// CurrentRound implements Client.
func (c *HTTPClient) CurrentRound(ctx context.Context) (uint64, error) {
	var out struct {
		Round uint64 `json:"round"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/round", nil, &out); err != nil {
		return 0, err
	}
	return out.Round, nil
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context, roundID uint64, w topology.Worker) (int, error) {
	var out struct {
		Position int `json:"position"`
	}
	path := fmt.Sprintf("/v1/rounds/%d/workers", roundID)
	if _, err := c.do(ctx, http.MethodPost, path, w, &out); err != nil {
		return 0, err
	}
	return out.Position, nil
}

// Deregister implements Client.
func (c *HTTPClient) Deregister(ctx context.Context, roundID uint64, workerID string) error {
	path := fmt.Sprintf("/v1/rounds/%d/workers/%s", roundID, workerID)
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// ReadRound implements Client.
func (c *HTTPClient) ReadRound(ctx context.Context, roundID uint64) (RoundState, error) {
	var out RoundState
	path := fmt.Sprintf("/v1/rounds/%d", roundID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return RoundState{}, err
	}
	return out, nil
}

// CloseRound implements Client.
func (c *HTTPClient) CloseRound(ctx context.Context, roundID, revision uint64) error {
	path := fmt.Sprintf("/v1/rounds/%d/close", roundID)
	body := map[string]uint64{"revision": revision}
	_, err := c.do(ctx, http.MethodPost, path, body, nil)
	return err
}

// FailRound implements Client.
func (c *HTTPClient) FailRound(ctx context.Context, roundID uint64, reason string) error {
	path := fmt.Sprintf("/v1/rounds/%d/fail", roundID)
	body := map[string]string{"reason": reason}
	_, err := c.do(ctx, http.MethodPost, path, body, nil)
	return err
}

// Watch implements Client by long-polling the server until a terminal event
// arrives or ctx is cancelled.
func (c *HTTPClient) Watch(ctx context.Context, roundID uint64) (<-chan RoundEvent, error) {
	out := make(chan RoundEvent, 1)
	path := fmt.Sprintf("/v1/rounds/%d/watch?timeout_ms=%d", roundID, watchPollTimeout.Milliseconds())

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}

			var ev RoundEvent
			got, err := c.do(ctx, http.MethodGet, path, nil, &ev)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient poll failures back off briefly; the engine's
				// overall deadline bounds how long this can go on.
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			if got {
				out <- ev
				return
			}
		}
	}()
	return out, nil
}

// Heartbeat implements Client.
func (c *HTTPClient) Heartbeat(ctx context.Context, roundID uint64, workerID string, ttl time.Duration) error {
	path := fmt.Sprintf("/v1/rounds/%d/heartbeat", roundID)
	body := map[string]any{"worker_id": workerID, "ttl_ms": ttl.Milliseconds()}
	_, err := c.do(ctx, http.MethodPost, path, body, nil)
	return err
}

// LiveWorkers implements Client.
func (c *HTTPClient) LiveWorkers(ctx context.Context, roundID uint64) ([]string, error) {
	var out struct {
		Workers []string `json:"workers"`
	}
	path := fmt.Sprintf("/v1/rounds/%d/live", roundID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}
