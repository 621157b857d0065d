// Package esdr is a client for the ESDR time-series storage service.
package esdr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/guregu/null"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/transport"
)

var nonWord = regexp.MustCompile(`\W+`)

// ErrAmbiguousDevice is returned when a serial number matches several devices.
var ErrAmbiguousDevice = errors.New("more than one device with serial number")

// AuthConfig is the OAuth password-grant document read from the auth file.
type AuthConfig struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// LoadAuthFile reads an AuthConfig from path.
func LoadAuthFile(path string) (AuthConfig, error) {
	var auth AuthConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return auth, fmt.Errorf("read authorization file %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &auth); err != nil {
		return auth, fmt.Errorf("decode authorization file %s: %w", path, err)
	}
	return auth, nil
}

// Client implements airquality.Backend against the ESDR REST API.
type Client struct {
	prefix    string
	userAgent string
	auth      AuthConfig
	http      *transport.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a client for the ESDR deployment at prefix.
func NewClient(prefix, userAgent string, auth AuthConfig, httpClient *http.Client) *Client {
	return &Client{
		prefix:    prefix,
		userAgent: userAgent,
		auth:      auth,
		http:      transport.New("esdr", httpClient, transport.DefaultBackoff),
	}
}

// envelope is the standard ESDR response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type rows[T any] struct {
	TotalCount int `json:"totalCount"`
	Rows       []T `json:"rows"`
}

type apiFeed struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	DeviceID  int        `json:"deviceId"`
	Latitude  null.Float `json:"latitude"`
	Longitude null.Float `json:"longitude"`
}

func (f apiFeed) remote() airquality.RemoteFeed {
	return airquality.RemoteFeed{ID: f.ID, Name: f.Name, DeviceID: f.DeviceID, Latitude: f.Latitude, Longitude: f.Longitude}
}

// api performs an authenticated call and decodes the envelope's data into out.
// A 401 refreshes the token once and retries once.
func (c *Client) api(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, path, query, body, token, out)
	if !transport.IsStatus(err, http.StatusUnauthorized) {
		return err
	}

	log.Printf("INFO: esdr: token rejected on %s %s, re-authenticating", method, path)
	if token, err = c.accessToken(ctx, true); err != nil {
		return err
	}
	return c.do(ctx, method, path, query, body, token, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, token string, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	u := c.prefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.http.Do(ctx, func() (*http.Request, error) {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, u, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("esdr %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("esdr %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) accessToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !refresh {
		return c.token, nil
	}

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/oauth/token", nil, c.auth, "", &tokens); err != nil {
		return "", fmt.Errorf("esdr login: %w", err)
	}
	if tokens.AccessToken == "" {
		return "", fmt.Errorf("esdr login: %w", airquality.ErrAuthExpired)
	}
	c.token = tokens.AccessToken
	return c.token, nil
}

func (c *Client) query(ctx context.Context, path string, query url.Values, out any) error {
	var env envelope
	if err := c.api(ctx, http.MethodGet, path, query, nil, &env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("esdr GET %s: decode data: %w", path, err)
	}
	return nil
}

// ProductName normalizes a display name into an ESDR product name.
func ProductName(prettyName string) string {
	return nonWord.ReplaceAllString(prettyName, "_")
}

// GetOrCreateProduct returns the product named after prettyName, creating it
// when missing.
func (c *Client) GetOrCreateProduct(ctx context.Context, prettyName string) (airquality.Product, error) {
	name := ProductName(prettyName)
	product, err := c.FindProduct(ctx, prettyName)
	if err != nil || product != nil {
		return deref(product), err
	}

	log.Printf("INFO: esdr: creating product %s", name)
	create := map[string]any{
		"name":                name,
		"prettyName":          prettyName,
		"vendor":              name,
		"description":         prettyName,
		"defaultChannelSpecs": map[string]any{},
	}
	if err := c.api(ctx, http.MethodPost, "/api/v1/products", nil, create, nil); err != nil {
		return airquality.Product{}, err
	}

	product, err = c.productWhere(ctx, "name="+name)
	if err != nil {
		return airquality.Product{}, err
	}
	if product == nil {
		return airquality.Product{}, fmt.Errorf("esdr: product %s missing after create", name)
	}
	return *product, nil
}

// FindProduct returns the product named after prettyName, or nil.
func (c *Client) FindProduct(ctx context.Context, prettyName string) (*airquality.Product, error) {
	return c.productWhere(ctx, "name="+ProductName(prettyName))
}

func (c *Client) productWhere(ctx context.Context, where string) (*airquality.Product, error) {
	var res rows[airquality.Product]
	if err := c.query(ctx, "/api/v1/products", url.Values{"where": {where}}, &res); err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return &res.Rows[0], nil
}

// GetOrCreateDevice returns the product's device with serialNumber, creating
// it under name when missing.
func (c *Client) GetOrCreateDevice(ctx context.Context, product airquality.Product, serialNumber, name string) (airquality.Device, error) {
	device, err := c.deviceBySerial(ctx, product, serialNumber)
	if err != nil || device != nil {
		return deref(device), err
	}

	if name == "" {
		name = serialNumber
	}
	log.Printf("INFO: esdr: creating device serialNumber %s, name %s", serialNumber, name)
	create := map[string]any{"name": name, "serialNumber": serialNumber}
	path := fmt.Sprintf("/api/v1/products/%d/devices", product.ID)
	if err := c.api(ctx, http.MethodPost, path, nil, create, nil); err != nil {
		return airquality.Device{}, err
	}

	device, err = c.deviceBySerial(ctx, product, serialNumber)
	if err != nil {
		return airquality.Device{}, err
	}
	if device == nil {
		return airquality.Device{}, fmt.Errorf("esdr: device %s missing after create", serialNumber)
	}
	return *device, nil
}

// FindDevice returns the product's device with serialNumber, or nil.
func (c *Client) FindDevice(ctx context.Context, product airquality.Product, serialNumber string) (*airquality.Device, error) {
	return c.deviceBySerial(ctx, product, serialNumber)
}

func (c *Client) deviceBySerial(ctx context.Context, product airquality.Product, serialNumber string) (*airquality.Device, error) {
	var res rows[airquality.Device]
	where := fmt.Sprintf("productId=%d,serialNumber=%s", product.ID, serialNumber)
	if err := c.query(ctx, "/api/v1/devices", url.Values{"whereAnd": {where}}, &res); err != nil {
		return nil, err
	}
	switch res.TotalCount {
	case 0:
		return nil, nil
	case 1:
		if len(res.Rows) == 1 {
			return &res.Rows[0], nil
		}
	}
	return nil, fmt.Errorf("%w %s (%d found)", ErrAmbiguousDevice, serialNumber, res.TotalCount)
}

// GetFeed returns the device's feed. With both coordinates set only a feed at
// exactly that location matches; otherwise the first feed is returned.
func (c *Client) GetFeed(ctx context.Context, device airquality.Device, lat, lon null.Float) (*airquality.RemoteFeed, error) {
	var res rows[apiFeed]
	where := "deviceId=" + strconv.Itoa(device.ID)
	if err := c.query(ctx, "/api/v1/feeds", url.Values{"where": {where}}, &res); err != nil {
		return nil, err
	}

	if lat.Valid && lon.Valid {
		for _, f := range res.Rows {
			if f.Latitude.Valid && f.Longitude.Valid &&
				f.Latitude.Float64 == lat.Float64 && f.Longitude.Float64 == lon.Float64 {
				feed := f.remote()
				return &feed, nil
			}
		}
		return nil, nil
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	feed := res.Rows[0].remote()
	return &feed, nil
}

// CreateFeed creates an outdoor public feed for device and returns it as
// stored by the server.
func (c *Client) CreateFeed(ctx context.Context, device airquality.Device, lat, lon null.Float) (airquality.RemoteFeed, error) {
	product, err := c.productWhere(ctx, "id="+strconv.Itoa(device.ProductID))
	if err != nil {
		return airquality.RemoteFeed{}, err
	}
	if product == nil {
		return airquality.RemoteFeed{}, fmt.Errorf("esdr: product %d not found for device %d", device.ProductID, device.ID)
	}

	fields := map[string]any{
		"name":     device.Name + " " + product.Name,
		"exposure": "outdoor",
		"isPublic": 1,
		"isMobile": 0,
	}
	if lat.Valid {
		fields["latitude"] = lat.Float64
	}
	if lon.Valid {
		fields["longitude"] = lon.Float64
	}
	log.Printf("INFO: esdr: creating feed %v", fields)
	path := fmt.Sprintf("/api/v1/devices/%d/feeds", device.ID)
	if err := c.api(ctx, http.MethodPost, path, nil, fields, nil); err != nil {
		return airquality.RemoteFeed{}, err
	}

	feed, err := c.GetFeed(ctx, device, null.Float{}, null.Float{})
	if err != nil {
		return airquality.RemoteFeed{}, err
	}
	if feed == nil {
		return airquality.RemoteFeed{}, fmt.Errorf("%w: device %d", airquality.ErrFeedNotFound, device.ID)
	}
	return *feed, nil
}

// Upload appends the record's samples to feed. A nil value is a no-op on the
// server.
func (c *Client) Upload(ctx context.Context, feed airquality.RemoteFeed, rec airquality.UploadRecord) error {
	return c.api(ctx, http.MethodPut, fmt.Sprintf("/api/v1/feeds/%d", feed.ID), nil, rec, nil)
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

var _ airquality.Backend = (*Client)(nil)
