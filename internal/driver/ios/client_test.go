package ios

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return NewClient(port)
}

func TestCreateSessionTopLevelID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		caps := body["capabilities"].(map[string]interface{})
		always := caps["alwaysMatch"].(map[string]interface{})
		assert.Equal(t, "udid-1", always["udid"])

		fmt.Fprint(w, `{"sessionId":"sess-1","value":{}}`)
	})

	err := c.CreateSession(context.Background(), map[string]interface{}{"udid": "udid-1"})
	require.NoError(t, err)
	assert.True(t, c.HasSession())
}

func TestCreateSessionW3CValueID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":{"sessionId":"sess-2","capabilities":{}}}`)
	})

	require.NoError(t, c.CreateSession(context.Background(), nil))
	assert.Equal(t, "sess-2", c.sessionID)
}

func TestCreateSessionMissingID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":{}}`)
	})

	err := c.CreateSession(context.Background(), nil)
	assert.ErrorContains(t, err, "no session id")
}

func TestSessionPathPrefix(t *testing.T) {
	var gotPath string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"value":null}`)
	})
	c.sessionID = "sess-1"

	require.NoError(t, c.Unlock(context.Background()))
	assert.Equal(t, "/session/sess-1/wda/unlock", gotPath)
}

func TestSessionRequiredBeforeUse(t *testing.T) {
	c := NewClient(1)
	err := c.Unlock(context.Background())
	assert.ErrorContains(t, err, "no automation session")
}

func TestAppState(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "com.example.app", body["bundleId"])
		fmt.Fprint(w, `{"value":4}`)
	})
	c.sessionID = "sess-1"

	state, err := c.AppState(context.Background(), "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, 4, state)
}

func TestActiveAppInfo(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":{"bundleId":"com.apple.springboard","pid":52}}`)
	})
	c.sessionID = "sess-1"

	bundle, err := c.ActiveAppInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "com.apple.springboard", bundle)
}

func TestErrorEnvelope(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"value":{"error":"invalid argument","message":"invalid touch point"}}`)
	})
	c.sessionID = "sess-1"

	err := c.TouchAndHold(context.Background(), 0, 0, 1.0)
	require.Error(t, err)

	werr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, werr.Status)
	assert.Equal(t, "invalid argument", werr.Code)
	assert.Contains(t, werr.Message, "invalid touch point")
}

func TestWindowSize(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/window/size"))
		fmt.Fprint(w, `{"value":{"width":390,"height":844}}`)
	})
	c.sessionID = "sess-1"

	width, height, err := c.WindowSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 390, width)
	assert.Equal(t, 844, height)
}

func TestDeleteSessionClearsID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		fmt.Fprint(w, `{"value":null}`)
	})
	c.sessionID = "sess-1"

	require.NoError(t, c.DeleteSession(context.Background()))
	assert.False(t, c.HasSession())

	// A second delete without a session is a no-op.
	require.NoError(t, c.DeleteSession(context.Background()))
}
