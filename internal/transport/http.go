package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// HTTP is a RequestTransport against the device's web API.
type HTTP struct {
	base   *url.URL
	client *http.Client
}

// NewHTTP creates a transport for baseURL. A nil client uses one without a
// global timeout; every request is bounded by its context instead.
func NewHTTP(baseURL string, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{base: u, client: client}, nil
}

func (h *HTTP) Type() Type { return TypeHTTP }

func (h *HTTP) Describe() string { return h.base.String() }

func (h *HTTP) Request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	target := *h.base
	target.Path = strings.TrimRight(h.base.Path, "/") + ref.Path
	target.RawQuery = ref.RawQuery

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w", method, ref.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: ref.Path, Code: resp.StatusCode, Body: msg}
	}
	return data, nil
}
