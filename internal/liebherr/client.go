package liebherr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://mobile-api.smartdevice.liebherr.com/v1/household"

// TokenSource supplies bearer tokens for API calls. Invalidate discards the
// cached token so the next Token call performs a refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client talks to the Liebherr SmartDevice REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient builds a client against baseURL. A nil httpClient gets a default
// with a 15s timeout.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, tokens: tokens, httpClient: httpClient}, nil
}

// ListAppliances returns the registered appliances for the account.
func (c *Client) ListAppliances(ctx context.Context) ([]Appliance, error) {
	var appliances []Appliance
	if err := c.getJSON(ctx, "/appliances", "", &appliances); err != nil {
		return nil, err
	}
	return appliances, nil
}

// GetControls returns the current controls for one appliance.
func (c *Client) GetControls(ctx context.Context, deviceID string) ([]Control, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	var controls []Control
	if err := c.getJSON(ctx, "/appliances/"+deviceID+"/controls", deviceID, &controls); err != nil {
		return nil, err
	}
	return controls, nil
}

// SetControl posts a control change. The API acknowledges with 204.
func (c *Client) SetControl(ctx context.Context, deviceID, control string, payload any) error {
	if deviceID == "" || control == "" {
		return fmt.Errorf("device id and control are required")
	}
	path := "/appliances/" + deviceID + "/controls/" + control

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal control payload: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, path, deviceID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode >= 300 {
		return c.statusError(resp, deviceID)
	}
	return nil
}

// Notifications returns pending vendor notifications for all appliances.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var notifications []Notification
	if err := c.getJSON(ctx, "/notifications", "", &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// AcknowledgeNotification marks one notification as seen.
func (c *Client) AcknowledgeNotification(ctx context.Context, deviceID, notificationID string) error {
	path := "/notifications/" + deviceID + "/" + notificationID
	body, err := json.Marshal(map[string]bool{"isAcknowledged": true})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPatch, path, deviceID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode >= 300 {
		return c.statusError(resp, deviceID)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, deviceID string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, deviceID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(resp, deviceID)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MalformedError{Path: path, Err: err}
	}
	return nil
}

// doRequest issues one authenticated request. A 401 invalidates the cached
// token and retries exactly once with a fresh one.
func (c *Client) doRequest(ctx context.Context, method, path, deviceID string, body []byte) (*http.Response, error) {
	resp, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	c.tokens.Invalidate()

	resp, err = c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &AuthError{
			Permanent: true,
			Err:       fmt.Errorf("api rejected fresh token with %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		var auth *AuthError
		if errors.As(err, &auth) {
			return nil, err
		}
		return nil, &AuthError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// statusError maps a non-2xx response to the typed taxonomy. The caller owns
// resp.Body.
func (c *Client) statusError(resp *http.Response, deviceID string) error {
	data, _ := io.ReadAll(resp.Body)
	body := string(data)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Permanent: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(body))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) && deviceID != "":
		return &UnreachableError{DeviceID: deviceID}
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode, Body: body}
	default:
		return &StatusError{Status: resp.StatusCode, Body: body}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if delta := time.Until(t); delta > 0 {
			return delta
		}
	}
	return 0
}
