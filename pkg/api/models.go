package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type ModelVersion struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	Tier  string `json:"tier,omitempty" yaml:"tier,omitempty"`
}

type ModelEntry struct {
	Versions []ModelVersion `json:"versions" yaml:"versions"`
	// Default is the tier used when no version is selected.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

type modelVersionsResponse struct {
	OK      *bool                 `json:"ok"`
	Data    map[string]ModelEntry `json:"data"`
	Error   string                `json:"error"`
	Message string                `json:"message"`
}

// ModelVersions fetches the version catalog. force asks the server to bypass
// its own cache.
func (c *Client) ModelVersions(ctx context.Context, force bool) (map[string]ModelEntry, error) {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/models/versions", q), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, raw, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var ret modelVersionsResponse
	if err := decodeEnvelope(resp, raw, &ret); err != nil {
		return nil, err
	}
	if (ret.OK != nil && !*ret.OK) || resp.StatusCode >= http.StatusBadRequest {
		msg := firstNonEmpty(ret.Error, ret.Message)
		if msg == "" {
			return nil, newProtocolError(resp.StatusCode, raw)
		}
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: msg}
	}
	if ret.Data == nil {
		ret.Data = map[string]ModelEntry{}
	}
	return ret.Data, nil
}
