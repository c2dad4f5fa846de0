// Package api talks to the remote chat service: the buffered /ask endpoint,
// the incremental /ask/stream feed and the model version catalog.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "http://localhost:5000"

	maxBodyBytes = 16 << 20
)

type Client struct {
	httpClient *http.Client
	BaseURL    string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithTimeout bounds buffered requests. Streams are bounded by their context only.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ret := &Client{
		httpClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "could not read response body")
	}
	return body, nil
}

// decodeEnvelope parses a JSON response of the service into v. A body that is
// not JSON is a protocol error no matter the status code.
func decodeEnvelope(resp *http.Response, body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		log.Debug().
			Err(err).
			Int("status", resp.StatusCode).
			Str("content_type", resp.Header.Get("Content-Type")).
			Int("bytes", len(body)).
			Msg("response is not JSON")
		return newProtocolError(resp.StatusCode, body)
	}
	return nil
}

// do sends req and returns the body. Context cancellation is reported as the
// context's error so callers can tell a stop from a failure.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("request finished")
	return resp, body, nil
}
