package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/worldbox/worldbox/internal/budget"
	"github.com/worldbox/worldbox/internal/trace"
	"github.com/worldbox/worldbox/internal/transport"
)

// Client is the host-side gateway's view of a remote agent service. Requests
// travel over whichever carrier the transport dialer negotiated; each HTTP
// exchange gets its own yamux stream.
type Client struct {
	http   *http.Client
	dialer *transport.Dialer
}

// NewClient builds a client over a negotiating dialer.
func NewClient(d *transport.Dialer) *Client {
	return &Client{
		dialer: d,
		http: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					sess, _, err := d.OpenSession(ctx)
					if err != nil {
						return nil, err
					}
					stream, err := sess.OpenStream()
					if err != nil {
						sess.Close()
						return nil, err
					}
					return stream, nil
				},
			},
		},
	}
}

// Transport reports the negotiated carrier.
func (c *Client) Transport() transport.Kind {
	return c.dialer.Selected()
}

// Execute runs one command on the remote agent.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.post(ctx, "/v1/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Trace fetches a recorded span.
func (c *Client) Trace(ctx context.Context, spanID string) (*trace.Span, error) {
	var span trace.Span
	if err := c.get(ctx, "/v1/trace/"+spanID, &span); err != nil {
		return nil, err
	}
	return &span, nil
}

// RequestScopes negotiates expanded scopes.
func (c *Client) RequestScopes(ctx context.Context, req ScopeRequest) (*ScopeResponse, error) {
	var resp ScopeResponse
	if err := c.post(ctx, "/v1/request_scopes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Capabilities fetches the remote feature report.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	var caps Capabilities
	if err := c.get(ctx, "/v1/capabilities", &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://agent"+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://agent"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return remoteError(resp.StatusCode, apiErr)
		}
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// remoteError maps the wire error back to the same sentinel the local
// service would return, so gateway callers handle both paths identically.
func remoteError(status int, e apiError) error {
	switch e.Code {
	case "missing_agent_id":
		return ErrMissingAgentID
	case "policy_denied":
		return &DeniedError{Reason: e.Error, Pattern: e.Pattern}
	case "budget_exceeded":
		return fmt.Errorf("%w: %s", budget.ErrExhausted, e.Error)
	case "not_found":
		return trace.ErrNotFound
	default:
		return fmt.Errorf("agent error (%d): %s", status, e.Error)
	}
}
