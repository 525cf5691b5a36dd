package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/models"
)

// clockSkew is subtracted from the request timestamp so that a gateway
// clock running slightly ahead of the broker stays inside the broker's
// acceptance window.
const clockSkew = 5 * time.Second

const formContentType = "application/x-www-form-urlencoded; charset=utf8"

// Client issues signed requests to the fleet broker API. The broker
// arbitrates exclusive device access across all gateways; a reservation
// must exist before any device-manipulating command and must be released
// after the last one.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client

	// now is replaceable for tests
	now func() time.Time
}

// NewClient creates a broker client for the given endpoint and shared
// signing secret
func NewClient(endpoint, secret string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		secret:   secret,
		http:     &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// Reserve creates an exclusive control reservation for the device.
// Failures abort session start: the caller must not lease ports or start a
// driver without a reservation.
func (c *Client) Reserve(ctx context.Context, udid, userAgent string) error {
	path := fmt.Sprintf("/real-devices/%s/control/", udid)
	resp, err := c.do(ctx, http.MethodPost, path, userAgent)
	if err != nil {
		return &Error{Kind: KindUnavailable, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().Str("udid", udid).Int("status", resp.StatusCode).Msg("broker reservation created")
		return nil
	}

	return classify(resp)
}

// Release deletes the reservation. Best-effort: the returned error is for
// telemetry only and must never block local teardown.
func (c *Client) Release(ctx context.Context, udid, userAgent string) error {
	path := fmt.Sprintf("/real-devices/%s/control/", udid)
	resp, err := c.do(ctx, http.MethodDelete, path, userAgent)
	if err != nil {
		log.Error().Err(err).Str("udid", udid).Msg("failed to release broker reservation")
		return &Error{Kind: KindUnavailable, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().Str("udid", udid).Int("status", resp.StatusCode).Msg("broker reservation released")
		return nil
	}

	err = classify(resp)
	log.Error().Err(err).Str("udid", udid).Int("status", resp.StatusCode).Msg("failed to release broker reservation")
	return err
}

// GetDevice fetches the broker's device record. The iOS binding needs the
// on-device agent host/port and OS version from here.
func (c *Client) GetDevice(ctx context.Context, udid string) (*models.DeviceInfo, error) {
	path := fmt.Sprintf("/real-devices/%s/", udid)
	resp, err := c.do(ctx, http.MethodGet, path, "")
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(resp)
	}

	var info models.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode device info: %w", err)
	}
	info.UDID = udid
	return &info, nil
}

// do builds, signs and sends one broker request. The canonical descriptor
// is {METHOD: path, timestamp, user-agent?} in that order; the signature
// is appended to the form body.
func (c *Client) do(ctx context.Context, method, path, userAgent string) (*http.Response, error) {
	timestamp := c.now().Add(-clockSkew).Unix()

	params := []param{
		{key: method, value: path},
		{key: "timestamp", value: strconv.FormatInt(timestamp, 10)},
	}
	if userAgent != "" {
		params = append(params, param{key: "user-agent", value: userAgent})
	}
	signature := sign(c.secret, params)

	form := url.Values{}
	form.Set(method, path)
	form.Set("timestamp", strconv.FormatInt(timestamp, 10))
	if userAgent != "" {
		form.Set("user-agent", userAgent)
	}
	form.Set("signature", signature)

	var body io.Reader
	reqURL := c.endpoint + path
	switch method {
	case http.MethodGet:
		reqURL += "?" + form.Encode()
	default:
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("build broker request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)

	return c.http.Do(req)
}

// classify maps a non-2xx broker response onto the error taxonomy
func classify(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusConflict:
		return &Error{
			Kind:            KindBusy,
			Status:          resp.StatusCode,
			HolderUserAgent: holderUserAgent(resp.Body),
		}
	case http.StatusGone, http.StatusServiceUnavailable:
		return &Error{Kind: KindUnreachable, Status: resp.StatusCode}
	default:
		return &Error{Kind: KindOther, Status: resp.StatusCode}
	}
}

// holderUserAgent extracts the busy holder's user-agent from a 409 body,
// for the operator-facing "device in use (by X)" message
func holderUserAgent(body io.Reader) string {
	var payload map[string]interface{}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	ua, _ := payload["user-agent"].(string)
	return ua
}
