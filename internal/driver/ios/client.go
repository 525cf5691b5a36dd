package ios

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error is a failure reported by the automation server
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("automation server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("automation server error (status %d): %s", e.Status, e.Message)
}

// Client speaks the WebDriver-style protocol of the local automation
// server. The session core depends only on these operations and their
// success/failure outcome.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
}

// NewClient creates a client for an automation server listening on the
// local port
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// responseEnvelope is the WebDriver response wrapper
type responseEnvelope struct {
	SessionID string          `json:"sessionId"`
	Value     json.RawMessage `json:"value"`
}

// errorValue is the error shape inside a failed response value
type errorValue struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

// Status checks server readiness (no session required)
func (c *Client) Status(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/status", nil, nil)
}

// CreateSession creates a WebDriver session with the given capabilities
func (c *Client) CreateSession(ctx context.Context, capabilities map[string]interface{}) error {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": capabilities,
		},
	}
	var env responseEnvelope
	if err := c.doEnvelope(ctx, http.MethodPost, "/session", body, &env); err != nil {
		return err
	}

	c.sessionID = env.SessionID
	if c.sessionID == "" {
		// W3C places the session id inside value
		var v struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Value, &v); err == nil {
			c.sessionID = v.SessionID
		}
	}
	if c.sessionID == "" {
		return fmt.Errorf("create session: no session id in response")
	}
	return nil
}

// DeleteSession deletes the current session
func (c *Client) DeleteSession(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/session/"+c.sessionID, nil, nil)
	c.sessionID = ""
	return err
}

// HasSession reports whether a session is currently established
func (c *Client) HasSession() bool {
	return c.sessionID != ""
}

func (c *Client) Lock(ctx context.Context) error {
	return c.session(ctx, http.MethodPost, "/wda/lock", nil, nil)
}

func (c *Client) Unlock(ctx context.Context) error {
	return c.session(ctx, http.MethodPost, "/wda/unlock", nil, nil)
}

// ActiveAppInfo returns the bundle id of the foregrounded application
func (c *Client) ActiveAppInfo(ctx context.Context) (string, error) {
	var value struct {
		BundleID string `json:"bundleId"`
	}
	if err := c.session(ctx, http.MethodGet, "/wda/activeAppInfo", nil, &value); err != nil {
		return "", err
	}
	return value.BundleID, nil
}

// AppState returns the XCUITest application state: 0 not installed,
// 1 not running, 2-3 background, 4 foreground
func (c *Client) AppState(ctx context.Context, bundleID string) (int, error) {
	var value int
	err := c.session(ctx, http.MethodPost, "/wda/apps/state",
		map[string]interface{}{"bundleId": bundleID}, &value)
	return value, err
}

func (c *Client) LaunchApp(ctx context.Context, bundleID string) error {
	return c.session(ctx, http.MethodPost, "/wda/apps/launch",
		map[string]interface{}{"bundleId": bundleID}, nil)
}

func (c *Client) ActivateApp(ctx context.Context, bundleID string) error {
	return c.session(ctx, http.MethodPost, "/wda/apps/activate",
		map[string]interface{}{"bundleId": bundleID}, nil)
}

func (c *Client) TerminateApp(ctx context.Context, bundleID string) error {
	return c.session(ctx, http.MethodPost, "/wda/apps/terminate",
		map[string]interface{}{"bundleId": bundleID}, nil)
}

func (c *Client) PressButton(ctx context.Context, name string) error {
	return c.session(ctx, http.MethodPost, "/wda/pressButton",
		map[string]interface{}{"name": name}, nil)
}

// PerformTouch runs a low-level touch action chain
func (c *Client) PerformTouch(ctx context.Context, actions []map[string]interface{}) error {
	return c.session(ctx, http.MethodPost, "/wda/touch/perform",
		map[string]interface{}{"actions": actions}, nil)
}

// TouchAndHold holds a touch at a point for the given duration in seconds
func (c *Client) TouchAndHold(ctx context.Context, x, y int, duration float64) error {
	return c.session(ctx, http.MethodPost, "/wda/touchAndHold",
		map[string]interface{}{"x": x, "y": y, "duration": duration}, nil)
}

// DragFromToForDuration performs a held drag between two points
func (c *Client) DragFromToForDuration(ctx context.Context, fromX, fromY, toX, toY int, duration float64) error {
	return c.session(ctx, http.MethodPost, "/wda/dragfromtoforduration", map[string]interface{}{
		"fromX":    fromX,
		"fromY":    fromY,
		"toX":      toX,
		"toY":      toY,
		"duration": duration,
	}, nil)
}

// SendKeys types text into the focused element
func (c *Client) SendKeys(ctx context.Context, text string) error {
	return c.session(ctx, http.MethodPost, "/wda/keys",
		map[string]interface{}{"value": []string{text}}, nil)
}

// ScreenInfo returns the status bar size and screen scale
func (c *Client) ScreenInfo(ctx context.Context) (width, height int, err error) {
	var value struct {
		StatusBarSize struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"statusBarSize"`
	}
	if err = c.session(ctx, http.MethodGet, "/wda/screen", nil, &value); err != nil {
		return 0, 0, err
	}
	return value.StatusBarSize.Width, value.StatusBarSize.Height, nil
}

// WindowSize returns the active window dimensions
func (c *Client) WindowSize(ctx context.Context) (width, height int, err error) {
	var value struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err = c.session(ctx, http.MethodGet, "/window/size", nil, &value); err != nil {
		return 0, 0, err
	}
	return value.Width, value.Height, nil
}

// UpdateSettings pushes backend settings for the session
func (c *Client) UpdateSettings(ctx context.Context, settings map[string]interface{}) error {
	return c.session(ctx, http.MethodPost, "/appium/settings",
		map[string]interface{}{"settings": settings}, nil)
}

// session issues a request under the current session path
func (c *Client) session(ctx context.Context, method, path string, body, value interface{}) error {
	if c.sessionID == "" {
		return fmt.Errorf("no automation session established")
	}
	return c.do(ctx, method, "/session/"+c.sessionID+path, body, value)
}

// do issues one request and decodes the response value
func (c *Client) do(ctx context.Context, method, path string, body, value interface{}) error {
	var env responseEnvelope
	if err := c.doEnvelope(ctx, method, path, body, &env); err != nil {
		return err
	}
	if value != nil && len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, value); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) doEnvelope(ctx context.Context, method, path string, body interface{}, env *responseEnvelope) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{Status: resp.StatusCode, Message: "unreadable error response"}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		var ev errorValue
		_ = json.Unmarshal(env.Value, &ev)
		return &Error{Status: resp.StatusCode, Code: ev.Err, Message: ev.Message}
	}
	return nil
}
