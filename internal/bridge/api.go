package bridge

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
)

var (
	ErrMissingBaseURL   = errors.New("missing base url")
	ErrMissingParameter = errors.New("missing parameter")
)

// StatusError is returned for any non-2xx answer from the bridge.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bridge: http %d", e.Code)
	}
	return fmt.Sprintf("bridge: http %d: %s", e.Code, e.Body)
}

// BuildPaths lists the candidate URLs for one resource, newest layout first.
func BuildPaths(baseURL string, apiVersion string, module string, kind string, param string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	apiVersion = strings.Trim(apiVersion, "/")
	module = strings.Trim(module, "/")
	kind = strings.Trim(kind, "/")
	param = strings.TrimLeft(param, "/")
	if baseURL == "" || module == "" || kind == "" || param == "" {
		return nil
	}

	paths := make([]string, 0, 3)
	if apiVersion != "" {
		paths = append(paths, baseURL+"/"+module+"/api/"+apiVersion+"/"+kind+"/"+param)
		paths = append(paths, baseURL+"/api/"+apiVersion+"/"+module+"/"+kind+"/"+param)
	}
	paths = append(paths, baseURL+"/"+module+"/"+kind+"/"+param)
	return paths
}

type client struct {
	baseURL    string
	apiVersion string
	http       *http.Client
}

func newClient(baseURL, apiVersion string) *client {
	return &client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		http:       &http.Client{Timeout: 2 * time.Second},
	}
}

// getValue reads module/kind/param and decodes its "value" member into out.
func (c *client) getValue(ctx context.Context, module, kind, param string, out any) error {
	if c.baseURL == "" {
		return ErrMissingBaseURL
	}
	if module == "" || param == "" {
		return ErrMissingParameter
	}
	body, err := c.do(ctx, http.MethodGet, BuildPaths(c.baseURL, c.apiVersion, module, kind, param), nil)
	if err != nil {
		return err
	}
	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("bridge: decode %s/%s: %w", kind, param, err)
	}
	if len(envelope.Value) == 0 {
		return fmt.Errorf("bridge: %s/%s has no value", kind, param)
	}
	return json.Unmarshal(envelope.Value, out)
}

func (c *client) setValue(ctx context.Context, module, param string, value any) error {
	if c.baseURL == "" {
		return ErrMissingBaseURL
	}
	if module == "" || param == "" {
		return ErrMissingParameter
	}
	payload, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, BuildPaths(c.baseURL, c.apiVersion, module, "config", param), payload)
	return err
}

func (c *client) command(ctx context.Context, module, command string) error {
	if c.baseURL == "" {
		return ErrMissingBaseURL
	}
	if module == "" || command == "" {
		return ErrMissingParameter
	}
	_, err := c.do(ctx, http.MethodPut, BuildPaths(c.baseURL, c.apiVersion, module, "command", command), nil)
	return err
}

// state reads module/status/state and lower-cases it.
func (c *client) state(ctx context.Context, module string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, BuildPaths(c.baseURL, c.apiVersion, module, "status", "state"), nil)
	if err != nil {
		return "", err
	}
	state, ok := extractState(body)
	if !ok {
		return "", fmt.Errorf("bridge: no state in %q", body)
	}
	return state, nil
}

// do tries each path in turn. A 404 moves on to the next layout; any other
// answer is final.
func (c *client) do(ctx context.Context, method string, paths []string, payload []byte) ([]byte, error) {
	if len(paths) == 0 {
		return nil, ErrMissingParameter
	}
	var lastErr error = &StatusError{Code: http.StatusNotFound, Body: "not found"}
	for _, path := range paths {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}
		return respBody, nil
	}
	return nil, lastErr
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status", "value"} {
			if entry, ok := v[key]; ok {
				switch inner := entry.(type) {
				case string:
					return inner
				default:
					if nested := findState(inner); nested != "" {
						return nested
					}
				}
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
