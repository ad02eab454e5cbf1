package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-relay/internal/store"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHandler struct{ name string }

func (s stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(s.name))
}

func newTestServer(t *testing.T, cfg Config, st *store.Store) *httptest.Server {
	router := NewRouter(cfg, silentLogger(), Deps{
		Store:     st,
		Driver:    stubHandler{name: "driver"},
		Extension: stubHandler{name: "extension"},
	})
	return httptest.NewServer(router)
}

func TestRootAndVersion(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{Version: "1.2.3"}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	require.Equal(t, "1.2.3", body["version"])
}

func TestExtensionStatusEmpty(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/extension/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, false, body["connected"])
}

func TestJSONListFiltersRestrictedTargets(t *testing.T) {
	st := store.New()
	st.Update(store.AddExtension("e1", "k", store.ExtensionInfo{}, fakeWS{}, time.Now()))
	st.Update(store.AddTarget("e1", store.TargetInfo{TargetID: "T1", Type: "page", URL: "https://a", Title: "A"}, "s1"))
	st.Update(store.AddTarget("e1", store.TargetInfo{TargetID: "T2", Type: "page", URL: "chrome://settings"}, "s2"))

	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	var targets []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&targets))
	require.Len(t, targets, 1)
	require.Equal(t, "T1", targets[0]["id"])
}

func TestJSONListEmptyWhenNoExtension(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var targets []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&targets))
	require.Empty(t, targets)
}

func TestPrivilegedRouteRequiresToken(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{Token: "secret"}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cli/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/cli/status?token=secret")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotImplemented, resp2.StatusCode)
}

func TestPrivilegedRouteRejectsNonJSONContentType(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cli/run", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestPrivilegedRouteRejectsCrossOriginSecFetchSite(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/recording/status", nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDriverAndExtensionRoutesMounted(t *testing.T) {
	st := store.New()
	srv := newTestServer(t, Config{}, st)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cdp/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "driver", string(body))

	resp2, err := http.Get(srv.URL + "/extension")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	require.Equal(t, "extension", string(body2))
}

type fakeWS struct{}

func (fakeWS) WriteJSON(v any) error               { return nil }
func (fakeWS) Close(code int, reason string) error { return nil }
