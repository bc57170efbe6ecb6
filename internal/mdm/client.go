// Package mdm implements the client for the MDM service. All device
// operations go through a single POST /devices endpoint with an operation
// discriminator; authentication exchanges credentials for a bearer token
// with an expiry via POST /login.
package mdm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"snipesync/pkg/models"
)

const (
	maxAttempts = 3
	retryDelay  = 1 * time.Second
	retryCeil   = 5 * time.Second

	// defaultTokenTTL is assumed when the login response carries no expiry.
	defaultTokenTTL = 15 * time.Minute
)

// ErrAuthFailed indicates the credential exchange was rejected.
var ErrAuthFailed = errors.New("mdm authentication failed")

var errBadEnvelope = errors.New("mdm response status not OK")

// Config carries the connection settings for the MDM client.
type Config struct {
	URL         string
	AccessToken string // tenant API key, sent on every request
	Username    string
	Password    string
	// RateLimit paces requests in requests per second; 0 disables pacing.
	RateLimit float64
	// SpecificColumns optionally narrows the columns returned by listings.
	SpecificColumns []string
}

// Client talks to the MDM. It is not safe for concurrent use; the sync run
// is single-threaded by design.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	now        func() time.Time

	token       string
	tokenExpiry time.Time
}

// New creates an MDM client. httpClient may be nil, in which case a default
// client with a request timeout is used.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// Authenticated reports whether the client holds an unexpired token.
// Callers use it as a precondition check; requests refresh the token
// transparently when it has expired.
func (c *Client) Authenticated() bool {
	return c.token != "" && c.now().Before(c.tokenExpiry)
}

// Login exchanges the configured credentials for a bearer token.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.URL+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("accesstoken", c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mdm login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		c.logger.Error("mdm login rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("body", raw))
		return ErrAuthFailed
	}

	var lr struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("mdm login: decode response: %w", err)
	}
	if lr.Token == "" {
		return ErrAuthFailed
	}

	ttl := defaultTokenTTL
	if lr.ExpiresIn > 0 {
		ttl = time.Duration(lr.ExpiresIn) * time.Second
	}
	c.token = lr.Token
	c.tokenExpiry = c.now().Add(ttl)
	c.logger.Debug("mdm token acquired", zap.Time("expires", c.tokenExpiry))
	return nil
}

// envelope is the top-level shape of every /devices response.
type envelope struct {
	Status   string            `json:"status"`
	Response []json.RawMessage `json:"response"`
}

// devicePage is the first response element of a listing call. It carries
// either a device slice or a not-found status terminating pagination.
type devicePage struct {
	Status  string          `json:"status"`
	Devices []models.Device `json:"devices"`
}

// ListDevices fetches every device of the given class, paginating from page
// 1 until the MDM reports no more devices. A page that keeps failing after
// the bounded retries truncates the listing: the accumulated prefix is
// returned together with the error, and the caller decides whether that is
// acceptable.
func (c *Client) ListDevices(ctx context.Context, class models.DeviceClass) ([]models.Device, error) {
	var all []models.Device

	for page := 1; ; page++ {
		options := map[string]any{
			"os":   class.OSFilter(),
			"page": page,
		}
		if len(c.cfg.SpecificColumns) > 0 {
			options["specific_columns"] = c.cfg.SpecificColumns
		}
		payload := map[string]any{
			"operation": "list",
			"options":   options,
		}

		pg, err := retry.DoWithData(func() (*devicePage, error) {
			return c.devicesCall(ctx, payload)
		}, retry.Attempts(maxAttempts), retry.Delay(retryDelay), retry.MaxDelay(retryCeil))
		if err != nil {
			c.logger.Warn("device listing truncated",
				zap.String("class", string(class)),
				zap.Int("page", page),
				zap.Int("accumulated", len(all)),
				zap.Error(err))
			return all, fmt.Errorf("list devices page %d: %w", page, err)
		}

		if pg.Status == "DEVICES_NOTFOUND" {
			break
		}
		// Some tenants answer the page past the end with an empty device
		// array instead of the not-found status; both end the listing.
		if len(pg.Devices) == 0 {
			break
		}
		all = append(all, pg.Devices...)
	}

	c.logger.Info("device listing complete",
		zap.String("class", string(class)),
		zap.Int("devices", len(all)))
	return all, nil
}

// UpdateDevice applies a field patch to one device, identified by serial
// number. Failures are retried up to the bound and then surfaced as an
// error; they are never fatal to a run.
func (c *Client) UpdateDevice(ctx context.Context, serial string, fields map[string]string) error {
	payload := map[string]any{
		"operation":    "update_device",
		"serialnumber": serial,
	}
	for k, v := range fields {
		payload[k] = v
	}

	_, err := retry.DoWithData(func() (*devicePage, error) {
		return c.devicesCall(ctx, payload)
	}, retry.Attempts(maxAttempts), retry.Delay(retryDelay), retry.MaxDelay(retryCeil))
	if err != nil {
		return fmt.Errorf("update device %s: %w", serial, err)
	}
	return nil
}

// devicesCall issues one POST /devices request and decodes the envelope.
// A non-OK HTTP status or envelope status is an error so the retry policy
// sees it.
func (c *Client) devicesCall(ctx context.Context, payload any) (*devicePage, error) {
	if !c.Authenticated() {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.URL+"/devices", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("accesstoken", c.cfg.AccessToken)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mdm responded %d: %s", resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode mdm response: %w", err)
	}
	if env.Status != "OK" {
		return nil, fmt.Errorf("%w: %s", errBadEnvelope, env.Status)
	}

	var pg devicePage
	if len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response[0], &pg); err != nil {
			return nil, fmt.Errorf("decode mdm device page: %w", err)
		}
	}
	return &pg, nil
}
