package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
)

// defaultRequestTimeout is the transport-level ceiling on any hub request.
// Callers bound individual requests tighter through their contexts.
const defaultRequestTimeout = 15 * time.Second

// Hub REST endpoints. The set endpoint is a GET with the state document in
// a query parameter; that is the hub's contract, not a choice made here.
const (
	pathListDevices = "/api/zigbee2mqtt/list_devices"
	pathSetDevice   = "/api/zigbee2mqtt/set/"
	pathGetDevice   = "/api/zigbee2mqtt/get/"
	pathHealth      = "/healthcheck"
)

// Client talks to the hub's REST API: full inventory snapshots, state
// writes and refresh requests. It is safe for concurrent use.
type Client struct {
	baseURL   string
	streamURL string
	token     string
	http      *http.Client
}

// NewClient validates the hub address and returns a ready client.
func NewClient(cfg config.HubConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing hub base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("hub base url must be http or https, got %q", cfg.BaseURL)
	}

	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	stream := *base
	if base.Scheme == "https" {
		stream.Scheme = "wss"
	} else {
		stream.Scheme = "ws"
	}
	stream.Path = wsPath

	return &Client{
		baseURL:   strings.TrimRight(base.String(), "/"),
		streamURL: stream.String(),
		token:     cfg.Token,
		http:      &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

// StreamURL returns the websocket endpoint derived from the base address:
// http becomes ws, https becomes wss.
func (c *Client) StreamURL() string {
	return c.streamURL
}

// FetchSnapshot retrieves the hub's complete device inventory. The returned
// slice is the authoritative full state at fetch time; devices absent from
// it no longer exist on the hub.
func (c *Client) FetchSnapshot(ctx context.Context) ([]device.Device, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathListDevices)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: hub returned %s", ErrSnapshot, resp.Status)
	}

	var devices []device.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("%w: decoding inventory: %w", ErrSnapshot, err)
	}
	return devices, nil
}

// SetDeviceState asks the hub to merge the given properties into one
// device's state. The hub echoes the resulting change back over the push
// channel, which is how the authoritative value lands in the local replica.
// An empty property map is a no-op.
func (c *Client) SetDeviceState(ctx context.Context, id string, props map[string]any) error {
	if len(props) == 0 {
		return nil
	}

	payload, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("%w: encoding state for %q: %w", ErrWrite, id, err)
	}

	req, err := c.newRequest(ctx, http.MethodGet, pathSetDevice+url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	q := req.URL.Query()
	q.Set("state", string(payload))
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: hub returned %s for %q", ErrWrite, resp.Status, id)
	}
	return nil
}

// RequestRefresh asks the hub to re-read one device's state from the radio
// network. The fresh values arrive asynchronously over the push channel;
// this call only confirms the hub accepted the request.
func (c *Client) RequestRefresh(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, pathGetDevice+url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: hub returned %s for %q", ErrWrite, resp.Status, id)
	}
	return nil
}

// Health reports whether the hub answers its healthcheck endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, pathHealth)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub health: returned %s", resp.Status)
	}
	return nil
}

// newRequest builds a request against the hub. The path is appended to the
// base URL verbatim, so callers escape device names before splicing them in;
// escaped slashes must survive to the wire.
func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}
