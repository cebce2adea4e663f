// Package webboiler talks to the vendor's boiler cloud service: REST for
// login, configuration and commands, a websocket for pushed parameter
// updates. The client performs no reconnection of its own; retry policy
// belongs to the session lifecycle manager.
package webboiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebBoilerClient defines the cloud client surface the lifecycle manager
// depends on.
type WebBoilerClient interface {
	Login(ctx context.Context) error
	Relogin(ctx context.Context) error
	Configuration(ctx context.Context) error
	OpenWebsocket(onUpdate UpdateHandler) error
	Refresh(ctx context.Context) error
	Turn(ctx context.Context, serial string, on bool) error
	TurnCircuit(ctx context.Context, serial string, index int, on bool) error
	IsWebsocketConnected() bool
	Devices() []*Device
	Device(serial string) *Device
	Close() error
}

// Client implements WebBoilerClient against the real cloud service.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger

	mu      sync.RWMutex
	token   string
	devices map[string]*Device

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	writeMu   sync.Mutex // protects websocket writes
	onUpdate  UpdateHandler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a client for one cloud account. baseURL is the service
// root, e.g. https://cloud.example.com.
func NewClient(baseURL, username, password string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
		devices:  make(map[string]*Device),
	}
}

// Login authenticates and stores the session token.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("login: %w", ErrAuthentication)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("login: %w: status %d", ErrConnectivity, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("login: %w: empty token", ErrAuthentication)
	}

	c.mu.Lock()
	c.token = lr.Token
	c.mu.Unlock()

	c.logger.Info("Logged in to boiler cloud", zap.String("username", c.username))
	return nil
}

// Relogin drops the cached token and the websocket, then authenticates again.
func (c *Client) Relogin(ctx context.Context) error {
	c.closeWebsocket()

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	return c.Login(ctx)
}

// Configuration fetches the account's installations and merges them into the
// device collection. Existing Device and Parameter pointers stay valid across
// calls so entities can hold non-owning references.
func (c *Client) Configuration(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/installations", nil)
	if err != nil {
		return fmt.Errorf("build configuration request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("configuration: %w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("configuration: %w", ErrAuthentication)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("configuration: %w: status %d", ErrConnectivity, resp.StatusCode)
	}

	var configs []deviceConfig
	if err := json.NewDecoder(resp.Body).Decode(&configs); err != nil {
		return fmt.Errorf("configuration: %w: %v", ErrConfiguration, err)
	}
	if len(configs) == 0 {
		return fmt.Errorf("configuration: %w: no devices on account", ErrConfiguration)
	}

	now := time.Now()
	c.mu.Lock()
	for _, dc := range configs {
		if dc.Serial == "" {
			c.mu.Unlock()
			return fmt.Errorf("configuration: %w: device without serial", ErrConfiguration)
		}

		dev, ok := c.devices[dc.Serial]
		if !ok {
			dev = NewDevice(dc.Serial, dc.Product, dc.Type)
			c.devices[dc.Serial] = dev
		}

		for name, pv := range dc.Parameters {
			dev.EnsureParameter(name).Set(pv.Value, now)
		}

		circuits := make([]Circuit, 0, len(dc.Circuits))
		for _, cc := range dc.Circuits {
			circuits = append(circuits, Circuit{Title: cc.Title, DBIndex: cc.DBIndex})
		}
		dev.SetCircuits(circuits)
	}
	count := len(c.devices)
	c.mu.Unlock()

	c.logger.Info("Fetched account configuration", zap.Int("devices", count))
	return nil
}

// OpenWebsocket connects the push channel and starts the read loop. Each
// received parameter frame updates the device model and then invokes
// onUpdate. A read failure marks the connection down and stops the loop;
// nobody reconnects here.
func (c *Client) OpenWebsocket(onUpdate UpdateHandler) error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("websocket already open")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		c.connMu.Unlock()
		return fmt.Errorf("open websocket: %w: not logged in", ErrAuthentication)
	}

	wsURL, err := c.websocketURL(token)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("open websocket: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("open websocket: %w: %v", ErrConnectivity, err)
	}

	c.conn = conn
	c.connected = true
	c.onUpdate = onUpdate
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ctx := c.ctx
	c.connMu.Unlock()

	go c.readLoop(ctx, conn)

	c.logger.Info("Websocket open")
	return nil
}

// readLoop consumes push frames until the connection dies.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var frame paramFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.connMu.Lock()
			wasConnected := c.connected && c.conn == conn
			if wasConnected {
				c.connected = false
			}
			c.connMu.Unlock()

			if wasConnected {
				c.logger.Warn("Websocket closed", zap.Error(err))
			}
			return
		}

		if frame.Type != "param" {
			c.logger.Debug("Ignoring websocket frame", zap.String("type", frame.Type))
			continue
		}

		c.handleParamFrame(&frame)
	}
}

func (c *Client) handleParamFrame(frame *paramFrame) {
	c.mu.RLock()
	dev := c.devices[frame.Serial]
	c.mu.RUnlock()

	if dev == nil {
		c.logger.Debug("Parameter update for unknown device", zap.String("serial", frame.Serial))
		return
	}

	param := dev.EnsureParameter(frame.Name)
	param.Set(frame.Value, time.Now())

	c.connMu.RLock()
	handler := c.onUpdate
	c.connMu.RUnlock()

	if handler != nil {
		handler(dev, param)
	}
}

// Refresh asks the cloud to re-push current values for all devices. The data
// itself arrives over the websocket.
func (c *Client) Refresh(ctx context.Context) error {
	return c.post(ctx, "/api/v1/refresh", nil, "refresh")
}

// Turn switches the boiler's main power command.
func (c *Client) Turn(ctx context.Context, serial string, on bool) error {
	path := fmt.Sprintf("/api/v1/device/%s/power", url.PathEscape(serial))
	return c.post(ctx, path, &commandRequest{On: on}, "turn")
}

// TurnCircuit switches one heating circuit.
func (c *Client) TurnCircuit(ctx context.Context, serial string, index int, on bool) error {
	path := fmt.Sprintf("/api/v1/device/%s/circuit/%d", url.PathEscape(serial), index)
	return c.post(ctx, path, &commandRequest{On: on}, "turn circuit")
}

// post sends an authorized command request and maps the response status onto
// the failure classes.
func (c *Client) post(ctx context.Context, path string, payload interface{}, op string) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrAuthentication)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s: %w: status %d", op, ErrConnectivity, resp.StatusCode)
	}
	return nil
}

// IsWebsocketConnected reports whether the push channel is up. It flips to
// false when the read loop hits an error; the session's tick notices.
func (c *Client) IsWebsocketConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Devices returns all devices known to the account.
func (c *Client) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// Device returns the device with the given serial, or nil.
func (c *Client) Device(serial string) *Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices[serial]
}

// Close tears the client down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeWebsocket()
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) closeWebsocket() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// websocketURL derives the push endpoint from the REST base URL.
func (c *Client) websocketURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
