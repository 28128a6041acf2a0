package tbadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
)

const (
	defaultTimeout = 30 * time.Second

	statusBodyLimit = 200
	decodeBodyLimit = 500
	maxBodyBytes    = 8 << 20
)

var (
	// ErrNotFound is returned for a 404 from the platform.
	ErrNotFound = errors.New("tbadapter: not found")
	// ErrDecode wraps a response body that is not the expected JSON.
	ErrDecode = errors.New("tbadapter: decode response")
)

// HTTPError is a non-2xx platform response. Body is truncated.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tbadapter: http %d", e.Status)
	}
	return fmt.Sprintf("tbadapter: http %d: %s", e.Status, e.Body)
}

// Client is a minimal ThingsBoard REST client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient constructs a platform client. The token is required; an expired
// JWT is rejected here rather than on the first request.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("tbadapter: empty base url")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("tbadapter: empty token")
	}
	if _, err := InspectToken(token, time.Now()); err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeviceInfo is one entry of the device listing.
type DeviceInfo struct {
	ID                entityID       `json:"id"`
	Name              string         `json:"name"`
	Type              string         `json:"type"`
	Label             string         `json:"label"`
	Active            *bool          `json:"active"`
	CreatedTime       FlexTime       `json:"createdTime"`
	CustomerTitle     string         `json:"customerTitle"`
	DeviceProfileName string         `json:"deviceProfileName"`
	AdditionalInfo    map[string]any `json:"additionalInfo"`
}

// DevicePage is one page of the device listing.
type DevicePage struct {
	Data          []DeviceInfo `json:"data"`
	TotalElements int          `json:"totalElements"`
	TotalPages    int          `json:"totalPages"`
	HasNext       bool         `json:"hasNext"`
}

type entityID struct {
	ID string `json:"id"`
}

// ListDeviceInfos fetches one page of devices, newest first.
func (c *Client) ListDeviceInfos(ctx context.Context, page, pageSize int) (DevicePage, error) {
	if page < 0 || pageSize <= 0 {
		return DevicePage{}, errors.New("tbadapter: invalid page args")
	}
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))
	q.Set("sortProperty", "createdTime")
	q.Set("sortOrder", "DESC")
	q.Set("includeCustomers", "true")

	var resp DevicePage
	if err := c.doJSON(ctx, "device_infos", http.MethodGet, "/api/deviceInfos/all?"+q.Encode(), nil, &resp); err != nil {
		return DevicePage{}, err
	}
	return resp, nil
}

// TsValue is one timeseries point. Value keeps the raw JSON scalar.
type TsValue struct {
	TS    int64           `json:"ts"`
	Value json.RawMessage `json:"value"`
}

// Time returns the point timestamp in UTC.
func (v TsValue) Time() time.Time {
	return time.UnixMilli(v.TS).UTC()
}

// Float parses the value, which the platform sends as a string or a number.
func (v TsValue) Float() (float64, error) {
	raw := bytes.TrimSpace(v.Value)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("tbadapter: empty value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return strconv.ParseFloat(string(raw), 64)
}

// Timeseries fetches raw values of keys for one device in [start, end].
func (c *Client) Timeseries(ctx context.Context, deviceID string, keys []string, start, end time.Time) (map[string][]TsValue, error) {
	if deviceID == "" || len(keys) == 0 {
		return nil, errors.New("tbadapter: invalid timeseries args")
	}
	if end.Before(start) {
		return nil, errors.New("tbadapter: invalid timeseries range")
	}
	q := url.Values{}
	q.Set("keys", strings.Join(keys, ","))
	q.Set("startTs", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTs", strconv.FormatInt(end.UnixMilli(), 10))

	path := fmt.Sprintf("/api/plugins/telemetry/DEVICE/%s/values/timeseries?%s", url.PathEscape(deviceID), q.Encode())
	resp := map[string][]TsValue{}
	if err := c.doJSON(ctx, "timeseries", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, body any, out any) (err error) {
	started := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObservePlatformRequest(endpoint, result, time.Since(started))
	}()

	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, Body: logging.Truncate(string(data), statusBodyLimit)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrDecode, err, logging.Truncate(string(data), decodeBodyLimit))
	}
	return nil
}
