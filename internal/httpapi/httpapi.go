// Package httpapi assembles the Core's HTTP surface: discovery and
// status endpoints, the privileged CLI/recording route gates, and the
// chi router that also mounts the driver and extension WebSocket
// handlers.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/onkernel/cdp-relay/internal/logging"
	"github.com/onkernel/cdp-relay/internal/relayerr"
	"github.com/onkernel/cdp-relay/internal/store"
)

// Config configures the HTTP surface.
type Config struct {
	// Version is returned by GET /version.
	Version string
	// Token, if set, gates privileged routes via bearer header or
	// ?token=.
	Token string
	// AllowedExtensionIDs is the chrome-extension://<id> allow-list used
	// by CORS and the restricted-target filter applied to discovery
	// responses.
	AllowedExtensionIDs []string
}

// Collaborator is the out-of-scope seam for the privileged /cli and
// /recording routes: the Core only gates these, it does not
// interpret their bodies.
type Collaborator interface {
	http.Handler
}

// noopCollaborator answers every privileged route with 501 so the Core
// always has a non-nil handler to mount even when no collaborator is
// wired in.
type noopCollaborator struct{ name string }

func (n noopCollaborator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.Error(w, fmt.Sprintf("%s collaborator not configured", n.name), http.StatusNotImplemented)
}

// Deps are the session handlers and state the router needs.
type Deps struct {
	Store     *store.Store
	Driver    http.Handler // mounted at /cdp and /cdp/*
	Extension http.Handler // mounted at /extension
	CLI       Collaborator // mounted at /cli/*, may be nil
	Recording Collaborator // mounted at /recording/*, may be nil
}

// NewRouter builds the chi router for the whole Core. logger is injected
// into every request's context the same way cmd/api/main.go's router
// does it.
func NewRouter(cfg Config, logger *slog.Logger, deps Deps) http.Handler {
	if deps.CLI == nil {
		deps.CLI = noopCollaborator{name: "cli"}
	}
	if deps.Recording == nil {
		deps.Recording = noopCollaborator{name: "recording"}
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logging.AddToContext(req.Context(), logger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
		corsMiddleware(cfg.AllowedExtensionIDs),
	)

	a := &api{cfg: cfg, store: deps.Store}

	r.Get("/", a.root)
	r.Get("/version", a.version)
	r.Get("/extension/status", a.extensionStatus)
	r.Get("/extensions/status", a.extensionsStatus)

	for _, p := range []string{"/json", "/json/", "/json/list", "/json/list/"} {
		r.Method(http.MethodGet, p, http.HandlerFunc(a.jsonList))
		r.Method(http.MethodPut, p, http.HandlerFunc(a.jsonList))
	}
	for _, p := range []string{"/json/version", "/json/version/"} {
		r.Method(http.MethodGet, p, http.HandlerFunc(a.jsonVersion))
		r.Method(http.MethodPut, p, http.HandlerFunc(a.jsonVersion))
	}

	r.Handle("/cdp", deps.Driver)
	r.Handle("/cdp/*", deps.Driver)
	r.Handle("/extension", deps.Extension)

	r.Route("/cli", func(pr chi.Router) {
		pr.Use(privilegedGate(cfg.Token))
		pr.Handle("/*", deps.CLI)
	})
	r.Route("/recording", func(pr chi.Router) {
		pr.Use(privilegedGate(cfg.Token))
		pr.Handle("/*", deps.Recording)
	})

	return r
}

type api struct {
	cfg   Config
	store *store.Store
}

func (a *api) root(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (a *api) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": a.cfg.Version})
}

func extensionSummary(e store.ExtensionEntry) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"stableKey":   e.StableKey,
		"info":        e.Info,
		"targetCount": len(e.ConnectedTargets),
		"connectedAt": e.ConnectedAt,
	}
}

func (a *api) extensionStatus(w http.ResponseWriter, r *http.Request) {
	state := a.store.GetState()
	ext, ok := store.GetExtensionConnection(state, "", store.GetExtensionConnectionOptions{AllowFallback: true})
	if !ok {
		writeJSON(w, map[string]any{"connected": false})
		return
	}
	resp := map[string]any{"connected": true}
	for k, v := range extensionSummary(ext) {
		resp[k] = v
	}
	writeJSON(w, resp)
}

func (a *api) extensionsStatus(w http.ResponseWriter, r *http.Request) {
	state := a.store.GetState()
	out := make([]map[string]any, 0, len(state.Extensions))
	for _, e := range state.Extensions {
		out = append(out, extensionSummary(e))
	}
	writeJSON(w, out)
}

func (a *api) defaultExtension() (store.ExtensionEntry, bool) {
	return store.GetExtensionConnection(a.store.GetState(), "", store.GetExtensionConnectionOptions{AllowFallback: true})
}

// jsonList implements GET|PUT /json, /json/list: the default
// extension's visible targets, CDP-discovery shaped. Absent an
// extension, it returns an empty list rather than failing, since HTTP
// discovery endpoints should stay usable when the extension is offline.
func (a *api) jsonList(w http.ResponseWriter, r *http.Request) {
	ext, ok := a.defaultExtension()
	out := []map[string]any{}
	if ok {
		for _, t := range store.VisibleTargets(ext, a.cfg.AllowedExtensionIDs) {
			out = append(out, targetDescriptor(t, r.Host))
		}
	}
	writeJSON(w, out)
}

func (a *api) jsonVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "CDP-Relay/" + a.cfg.Version,
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 (CDP Relay)",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/cdp", r.Host),
	})
}

func targetDescriptor(t store.ConnectedTarget, host string) map[string]any {
	wsURL := fmt.Sprintf("ws://%s/cdp?targetId=%s", host, t.TargetID)
	return map[string]any{
		"id":                   t.TargetID,
		"type":                 t.TargetInfo.Type,
		"title":                t.TargetInfo.Title,
		"description":          "",
		"url":                  t.TargetInfo.URL,
		"webSocketDebuggerUrl": wsURL,
		"devtoolsFrontendUrl":  fmt.Sprintf("https://chrome-devtools-frontend.appspot.com/serve_rev/@/inspector.html?ws=%s/cdp?targetId=%s", host, t.TargetID),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware echoes Access-Control-Allow-Origin back only for
// allow-listed chrome-extension:// origins.
func corsMiddleware(allowedExtensionIDs []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originIsAllowedExtension(origin, allowedExtensionIDs) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originIsAllowedExtension(origin string, allowed []string) bool {
	const prefix = "chrome-extension://"
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(origin, prefix), "/")
	for _, a := range allowed {
		if a == id {
			return true
		}
	}
	return false
}

// privilegedGate implements the privileged-HTTP gate: reject
// cross-origin Sec-Fetch-Site, require application/json on POST bodies,
// and check the token if one is configured.
func privilegedGate(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sfs := r.Header.Get("Sec-Fetch-Site"); sfs != "" && sfs != "same-origin" && sfs != "none" {
				unauthorizedOrigin := relayerr.New(relayerr.KindUnauthorizedOrigin, "cross-origin request denied")
				http.Error(w, unauthorizedOrigin.Error(), unauthorizedOrigin.Kind.HTTPStatus())
				return
			}
			if r.Method == http.MethodPost {
				ct := r.Header.Get("Content-Type")
				if !strings.HasPrefix(ct, "application/json") {
					badContentType := relayerr.New(relayerr.KindUnsupportedMediaType, "Content-Type must be application/json")
					http.Error(w, badContentType.Error(), badContentType.Kind.HTTPStatus())
					return
				}
			}
			if token != "" {
				bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if bearer != token && r.URL.Query().Get("token") != token {
					badToken := relayerr.New(relayerr.KindUnauthorizedToken, "invalid token")
					http.Error(w, badToken.Error(), badToken.Kind.HTTPStatus())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
