package driversession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-relay/internal/cdpemu"
	"github.com/onkernel/cdp-relay/internal/events"
	"github.com/onkernel/cdp-relay/internal/store"
)

type fakeWS struct{}

func (fakeWS) WriteJSON(v any) error               { return nil }
func (fakeWS) Close(code int, reason string) error { return nil }

type fakeSender struct{}

func (fakeSender) SendToExtension(ctx context.Context, extID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newTestServer(t *testing.T, st *store.Store, cfg Config) *httptest.Server {
	bus := events.New()
	emu := cdpemu.New(st, bus, fakeSender{}, cdpemu.Config{})
	mgr := New(st, bus, emu, cfg)
	return httptest.NewServer(mgr)
}

func wsURL(srv *httptest.Server, path string) string {
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

func TestDriverRejectsDisallowedOrigin(t *testing.T) {
	st := store.New()
	st.Update(store.AddExtension("e1", "k", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	srv := newTestServer(t, st, Config{AllowedExtensionIDs: []string{"allowed-id"}})
	defer srv.Close()

	ctx := context.Background()
	_, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": {"chrome-extension://evil-id"}},
	})
	require.Error(t, err)
}

func TestDriverRejectsBadToken(t *testing.T) {
	st := store.New()
	st.Update(store.AddExtension("e1", "k", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	srv := newTestServer(t, st, Config{Token: "secret"})
	defer srv.Close()

	ctx := context.Background()
	_, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a")+"?token=wrong", nil)
	require.Error(t, err)
}

func TestDuplicateClientIDRejected(t *testing.T) {
	st := store.New()
	st.Update(store.AddExtension("e1", "k", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	srv := newTestServer(t, st, Config{})
	defer srv.Close()

	ctx := context.Background()
	conn1, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a"), nil)
	require.NoError(t, err)
	defer conn1.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		_, ok := st.GetState().PlaywrightClients["a"]
		return ok
	}, time.Second, 10*time.Millisecond)

	conn2, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a"), nil)
	require.NoError(t, err) // the handshake completes; the close arrives on the socket
	_, _, readErr := conn2.Read(ctx)
	require.Error(t, readErr)
	require.Equal(t, websocket.StatusCode(4004), websocket.CloseStatus(readErr))
}

func TestNoExtensionRejectsUpgrade(t *testing.T) {
	st := store.New() // no extensions at all
	srv := newTestServer(t, st, Config{})
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a"), nil)
	require.NoError(t, err) // the HTTP upgrade succeeds; the close code arrives on the socket
	_, _, readErr := conn.Read(ctx)
	require.Error(t, readErr)
	require.Equal(t, websocket.StatusCode(4003), websocket.CloseStatus(readErr))
}

func TestCommandRoundTripReceivesResponse(t *testing.T) {
	st := store.New()
	st.Update(store.AddExtension("e1", "k", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	srv := newTestServer(t, st, Config{})
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/cdp/a"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	cmd, _ := json.Marshal(map[string]any{"id": 1, "method": "Browser.getVersion"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, cmd))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var resp struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, int64(1), resp.ID)
	require.Contains(t, string(resp.Result), "protocolVersion")
}
