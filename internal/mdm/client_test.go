package mdm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipesync/internal/testutil"
	"snipesync/pkg/models"
)

// mdmHandler serves /login and a scripted sequence of /devices pages.
type mdmHandler struct {
	t          *testing.T
	pages      []string // raw response[0] JSON per listing page
	listCalls  int
	pagesSeen  []int
	updates    []map[string]any
	loginCalls int
}

func (h *mdmHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		h.loginCalls++
		assert.Equal(h.t, "tenant-token", r.Header.Get("accesstoken"))
		w.Write([]byte(`{"token":"bearer-abc","expires_in":3600}`))
	case "/devices":
		var payload map[string]any
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(h.t, "Bearer bearer-abc", r.Header.Get("Authorization"))

		if payload["operation"] == "update_device" {
			h.updates = append(h.updates, payload)
			w.Write([]byte(`{"status":"OK","response":[{}]}`))
			return
		}

		opts := payload["options"].(map[string]any)
		page := int(opts["page"].(float64))
		h.pagesSeen = append(h.pagesSeen, page)
		h.listCalls++
		body := `{"status":"DEVICES_NOTFOUND"}`
		if page-1 < len(h.pages) {
			body = h.pages[page-1]
		}
		w.Write([]byte(`{"status":"OK","response":[` + body + `]}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New(Config{
		URL:         srv.URL,
		AccessToken: "tenant-token",
		Username:    "svc@example.com",
		Password:    "hunter2",
	}, srv.Client(), testutil.Logger())
}

func TestLoginTracksTokenExpiry(t *testing.T) {
	h := &mdmHandler{t: t}
	c := newTestClient(t, h)

	if c.Authenticated() {
		t.Fatal("Authenticated() = true before login")
	}
	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.Authenticated())
	assert.Equal(t, 1, h.loginCalls)

	// An expired token makes the client unauthenticated again; the next
	// request path re-logs-in transparently.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.False(t, c.Authenticated())
}

func TestLoginRejectionIsAuthFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))

	err := c.Login(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestListDevicesPaginatesUntilNotFound(t *testing.T) {
	h := &mdmHandler{t: t, pages: []string{
		`{"devices":[{"serial_number":"SN1","device_name":"Mac1"},{"serial_number":"SN2","device_name":"Mac2"}]}`,
		`{"devices":[{"serial_number":"SN3","device_name":"Mac3"}]}`,
	}}
	c := newTestClient(t, h)

	devices, err := c.ListDevices(context.Background(), models.ClassComputers)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "SN1", devices[0].SerialNumber)
	assert.Equal(t, "SN3", devices[2].SerialNumber)
	assert.Equal(t, []int{1, 2, 3}, h.pagesSeen)
	assert.Equal(t, 1, h.loginCalls, "token reused across pages")
}

func TestListDevicesStopsOnEmptyDevicePage(t *testing.T) {
	// Some tenants answer the page past the end with an empty device array
	// instead of DEVICES_NOTFOUND; pagination must still terminate.
	pages := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Write([]byte(`{"token":"bearer-abc","expires_in":3600}`))
			return
		}
		pages++
		if pages == 1 {
			w.Write([]byte(`{"status":"OK","response":[{"devices":[{"serial_number":"SN1"}]}]}`))
			return
		}
		w.Write([]byte(`{"status":"OK","response":[{"devices":[]}]}`))
	}))

	devices, err := c.ListDevices(context.Background(), models.ClassComputers)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 2, pages, "listing must stop at the first empty page")
}

func TestListDevicesReturnsAccumulatedPrefixOnPersistentFailure(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Write([]byte(`{"token":"bearer-abc","expires_in":3600}`))
			return
		}
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		page := int(payload["options"].(map[string]any)["page"].(float64))
		if page == 1 {
			w.Write([]byte(`{"status":"OK","response":[{"devices":[{"serial_number":"SN1"}]}]}`))
			return
		}
		calls++
		http.Error(w, "flaky backend", http.StatusBadGateway)
	}))

	devices, err := c.ListDevices(context.Background(), models.ClassComputers)
	require.Error(t, err)
	assert.Len(t, devices, 1, "accumulated prefix survives the failure")
	assert.Equal(t, maxAttempts, calls, "failing page retried up to the bound")
}

func TestUpdateDeviceMergesFieldsIntoPayload(t *testing.T) {
	h := &mdmHandler{t: t}
	c := newTestClient(t, h)

	err := c.UpdateDevice(context.Background(), "SN1", map[string]string{"asset_tag": "NEW-1"})
	require.NoError(t, err)

	require.Len(t, h.updates, 1)
	assert.Equal(t, "update_device", h.updates[0]["operation"])
	assert.Equal(t, "SN1", h.updates[0]["serialnumber"])
	assert.Equal(t, "NEW-1", h.updates[0]["asset_tag"])
}

func TestListDevicesSendsSpecificColumns(t *testing.T) {
	var columns any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Write([]byte(`{"token":"bearer-abc","expires_in":3600}`))
			return
		}
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		columns = payload["options"].(map[string]any)["specific_columns"]
		w.Write([]byte(`{"status":"OK","response":[{"status":"DEVICES_NOTFOUND"}]}`))
	}))
	c.cfg.SpecificColumns = []string{"serial_number", "device_name"}

	_, err := c.ListDevices(context.Background(), models.ClassComputers)
	require.NoError(t, err)
	assert.Equal(t, []any{"serial_number", "device_name"}, columns)
}
