package resolume

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/yuan-cloud/resofleur/pkg/fault"
)

const apiPrefix = "/api/v1"

// successMarker is returned when the remote acknowledges without a usable
// JSON body (204, or a 2xx with non-JSON content).
var successMarker = json.RawMessage(`{"success":true}`)

// Client is the transport adapter for the controlled application. One
// instance with one shared http.Client is reused across requests; a single
// short timeout bounds every call, and there are no retries: a failed call
// is reported immediately and the caller may retry at its discretion.
type Client struct {
	HTTP *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

func upstreamHeaders(h http.Header) {
	h.Set("ngrok-skip-browser-warning", "true")
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
}

// Do performs one call against the remote's REST API. GET carries no body;
// POST and PUT carry a JSON body. The three failure modes stay
// distinguishable: a 204 maps to a bare success marker, any status >= 400 to
// an upstream rejection embedding the remote status and body text, and any
// transport-level failure to "upstream unreachable".
func (c *Client) Do(ctx context.Context, method string, ep Endpoint, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil && method != http.MethodGet {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL()+apiPrefix+path, reader)
	if err != nil {
		return nil, err
	}
	upstreamHeaders(req.Header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnreachable, "Cannot reach Resolume", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamUnreachable, "Cannot reach Resolume", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return successMarker, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fault.Rejected(resp.StatusCode, string(respBody))
	}
	if !json.Valid(respBody) || len(bytes.TrimSpace(respBody)) == 0 {
		return successMarker, nil
	}
	return json.RawMessage(respBody), nil
}

// Fetch retrieves a raw resource (thumbnail image) without JSON framing.
func (c *Client) Fetch(ctx context.Context, ep Endpoint, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL()+apiPrefix+path, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("ngrok-skip-browser-warning", "true")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindUpstreamUnreachable, "Cannot reach Resolume", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fault.Rejected(resp.StatusCode, "Thumbnail not found")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindUpstreamUnreachable, "Cannot reach Resolume", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
