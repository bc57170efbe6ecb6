// Package snipe implements the client for the asset-management service's
// REST API: asset lookup by serial, model and asset CRUD, checkin/checkout,
// and user search. Responses are decoded into tagged results at this
// boundary so callers never inspect raw payload shapes.
package snipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"snipesync/pkg/models"
)

// rateLimitMarker appears anywhere in a response body when the server has
// rejected the request for rate limiting, regardless of HTTP status.
var rateLimitMarker = []byte(`"messages":429`)

var (
	// ErrRateLimited means the server rejected a request for rate limiting
	// even after the single mandated resend. It indicates a client
	// misconfiguration and aborts the whole run.
	ErrRateLimited = errors.New("rate limited by asset-management service")

	// ErrUserNotFound means a username search returned no rows.
	ErrUserNotFound = errors.New("user not found")

	// ErrIncompleteModels means the full model catalog could not be
	// retrieved. No model reconciliation is possible without it, so this is
	// fatal at startup.
	ErrIncompleteModels = errors.New("unable to retrieve the complete model listing")
)

// LookupStatus tags the outcome of a serial-number lookup.
type LookupStatus int

const (
	// LookupMatch: exactly one asset carries the serial.
	LookupMatch LookupStatus = iota
	// LookupNoMatch: no asset carries the serial.
	LookupNoMatch
	// LookupMultiMatch: several assets share the serial, a data-quality
	// fault the sync cannot resolve; the device is skipped.
	LookupMultiMatch
	// LookupFailed: the server answered with an error; the device is
	// skipped.
	LookupFailed
)

// Lookup is the decoded result of FindBySerial.
type Lookup struct {
	Status LookupStatus
	Asset  *models.Asset
}

// ModelPayload is the creation payload for a model catalog entry.
type ModelPayload struct {
	Name           string `json:"name"`
	ModelNumber    string `json:"model_number"`
	CategoryID     int64  `json:"category_id"`
	ManufacturerID int64  `json:"manufacturer_id"`
	FieldsetID     int64  `json:"fieldset_id,omitempty"`
}

// AssetPayload is the creation payload for an asset.
type AssetPayload struct {
	AssetTag string `json:"asset_tag"`
	ModelID  int64  `json:"model_id"`
	Name     string `json:"name"`
	StatusID int64  `json:"status_id"`
	Serial   string `json:"serial"`
}

// Config carries the connection settings for the asset-management client.
type Config struct {
	URL    string
	APIKey string
	// RateLimited enables cooperative pacing against the server's
	// published request ceiling.
	RateLimited bool
}

// Client talks to the asset-management service. Not safe for concurrent
// use; the sync run is single-threaded by design.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	pacer      *pacer
	sleep      func(time.Duration)
}

// New creates an asset-management client. httpClient may be nil, in which
// case a default client with a request timeout is used.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		pacer:      newPacer(cfg.RateLimited),
		sleep:      time.Sleep,
	}
}

// Ping verifies the service is reachable. Used as a startup connectivity
// check; failure is fatal to the run.
func (c *Client) Ping(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("asset-management host unreachable: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("asset-management host responded %d", status)
	}
	return nil
}

// FindBySerial looks up the asset carrying a serial number and tags the
// outcome. A server-side error is reported as LookupFailed, not as an
// error; only transport failures and rate-limit aborts return a non-nil
// error.
func (c *Client) FindBySerial(ctx context.Context, serial string) (Lookup, error) {
	status, raw, err := c.do(ctx, http.MethodGet,
		c.cfg.URL+"/api/v1/hardware/byserial/"+url.PathEscape(serial), nil)
	if err != nil {
		return Lookup{Status: LookupFailed}, err
	}
	if status != http.StatusOK {
		c.logger.Warn("serial lookup rejected",
			zap.String("serial", serial),
			zap.Int("status_code", status),
			zap.ByteString("body", raw))
		return Lookup{Status: LookupFailed}, nil
	}

	var sr struct {
		Total    int             `json:"total"`
		Rows     []models.Asset  `json:"rows"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &sr); err != nil {
		c.logger.Warn("serial lookup returned an undecodable body",
			zap.String("serial", serial), zap.Error(err))
		return Lookup{Status: LookupFailed}, nil
	}

	switch {
	case sr.Rows == nil:
		// No rows key at all: the "asset does not exist" message shape.
		return Lookup{Status: LookupNoMatch}, nil
	case sr.Total == 0:
		return Lookup{Status: LookupNoMatch}, nil
	case sr.Total == 1:
		if len(sr.Rows) == 0 {
			c.logger.Warn("serial lookup reported one match but returned no rows",
				zap.String("serial", serial))
			return Lookup{Status: LookupFailed}, nil
		}
		return Lookup{Status: LookupMatch, Asset: &sr.Rows[0]}, nil
	default:
		c.logger.Warn("multiple assets share a serial number",
			zap.String("serial", serial), zap.Int("matches", sr.Total))
		return Lookup{Status: LookupMultiMatch}, nil
	}
}

// Models retrieves the complete model catalog. If the first response is
// short of the reported total, one re-request with an explicit limit is
// made; still falling short is ErrIncompleteModels.
func (c *Client) Models(ctx context.Context) ([]models.Model, error) {
	page, err := c.modelPage(ctx, c.cfg.URL+"/api/v1/models")
	if err != nil {
		return nil, err
	}
	if page.Total <= len(page.Rows) {
		return page.Rows, nil
	}

	c.logger.Debug("model listing was partial, re-requesting with explicit limit",
		zap.Int("total", page.Total), zap.Int("rows", len(page.Rows)))
	page, err = c.modelPage(ctx, fmt.Sprintf("%s/api/v1/models?limit=%d", c.cfg.URL, page.Total))
	if err != nil {
		return nil, err
	}
	if page.Total != len(page.Rows) {
		return nil, ErrIncompleteModels
	}
	return page.Rows, nil
}

type modelListing struct {
	Total int            `json:"total"`
	Rows  []models.Model `json:"rows"`
}

func (c *Client) modelPage(ctx context.Context, reqURL string) (*modelListing, error) {
	status, raw, err := c.do(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("model listing responded %d: %s", status, raw)
	}
	var page modelListing
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode model listing: %w", err)
	}
	return &page, nil
}

// CreateModel creates a model catalog entry and returns the created record.
func (c *Client) CreateModel(ctx context.Context, payload ModelPayload) (*models.Model, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.cfg.URL+"/api/v1/models", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("create model %q responded %d: %s", payload.ModelNumber, status, raw)
	}

	var resp struct {
		Payload models.Model `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode created model: %w", err)
	}
	return &resp.Payload, nil
}

// UpdateModel renames a model catalog entry and returns the updated record.
func (c *Client) UpdateModel(ctx context.Context, id int64, name string) (*models.Model, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	status, raw, err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("%s/api/v1/models/%d", c.cfg.URL, id), body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("update model %d responded %d: %s", id, status, raw)
	}

	var resp struct {
		Payload models.Model `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode updated model: %w", err)
	}
	return &resp.Payload, nil
}

// CreateAsset creates an asset and returns the created record. The caller
// must re-fetch via FindBySerial before reconciling further; the creation
// echo is only trusted for the new id.
func (c *Client) CreateAsset(ctx context.Context, payload AssetPayload) (*models.Asset, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.cfg.URL+"/api/v1/hardware", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("create asset %q responded %d: %s", payload.Name, status, raw)
	}

	var resp struct {
		Payload models.Asset `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode created asset: %w", err)
	}
	return &resp.Payload, nil
}

// UpdateAsset applies a field patch to an asset. On HTTP success every sent
// field is verified against the echoed payload; mismatches are logged as a
// partial update but do not fail the call.
func (c *Client) UpdateAsset(ctx context.Context, id int64, fields map[string]string) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	status, raw, err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("%s/api/v1/hardware/%d", c.cfg.URL, id), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("update asset %d responded %d: %s", id, status, raw)
	}

	var resp struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("asset update echo was undecodable, skipping verification",
			zap.Int64("asset_id", id), zap.Error(err))
		return nil
	}
	for key, want := range fields {
		if got := stringifyEcho(resp.Payload[key]); got != want {
			c.logger.Warn("field failed to verify after update",
				zap.Int64("asset_id", id),
				zap.String("field", key),
				zap.String("sent", want),
				zap.String("echoed", got))
		}
	}
	return nil
}

// CheckIn releases an asset from its current holder.
func (c *Client) CheckIn(ctx context.Context, assetID int64) error {
	body, err := json.Marshal(map[string]string{"note": "checked in by snipesync"})
	if err != nil {
		return err
	}
	status, raw, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/hardware/%d/checkin", c.cfg.URL, assetID), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("checkin asset %d responded %d: %s", assetID, status, raw)
	}
	return nil
}

// CheckOut assigns an asset to a user.
func (c *Client) CheckOut(ctx context.Context, assetID, userID int64) error {
	body, err := json.Marshal(map[string]any{
		"checkout_to_type": "user",
		"assigned_user":    userID,
		"note":             "assigned by snipesync",
	})
	if err != nil {
		return err
	}
	status, raw, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/hardware/%d/checkout", c.cfg.URL, assetID), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("checkout asset %d responded %d: %s", assetID, status, raw)
	}
	return nil
}

// FindUserID resolves a username to a user id via search. ErrUserNotFound
// when the search returns no rows.
func (c *Client) FindUserID(ctx context.Context, username string) (int64, error) {
	reqURL := fmt.Sprintf("%s/api/v1/users?search=%s&limit=1", c.cfg.URL, url.QueryEscape(username))
	status, raw, err := c.do(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("user search responded %d: %s", status, raw)
	}

	var resp struct {
		Rows []struct {
			ID int64 `json:"id"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("decode user search: %w", err)
	}
	if len(resp.Rows) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return resp.Rows[0].ID, nil
}

// do is the single request path. It applies cooperative pacing, sends the
// request, and handles the server's rate-limit marker: one resend after a
// two-second pause, then ErrRateLimited.
func (c *Client) do(ctx context.Context, method, reqURL string, body []byte) (int, []byte, error) {
	c.pacer.wait()

	status, raw, err := c.send(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, err
	}
	if bytes.Contains(raw, rateLimitMarker) {
		c.logger.Warn("rate limited despite pacing, resending once after a pause",
			zap.String("url", reqURL))
		c.sleep(2 * time.Second)
		status, raw, err = c.send(ctx, method, reqURL, body)
		if err != nil {
			return 0, nil, err
		}
		if bytes.Contains(raw, rateLimitMarker) {
			return 0, nil, ErrRateLimited
		}
	}
	return status, raw, nil
}

func (c *Client) send(ctx context.Context, method, reqURL string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// stringifyEcho renders an echoed payload value for comparison against the
// string that was sent.
func stringifyEcho(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
