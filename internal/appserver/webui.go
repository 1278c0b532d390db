package appserver

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// newWebUIHandler serves a prebuilt dashboard bundle ("prod"), proxies a
// dev server ("dev"), or answers 404 ("off", the default).
func newWebUIHandler(cfg WebUIConfig) (http.Handler, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "off":
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": map[string]any{"code": "NOT_FOUND", "message": "web ui is disabled"},
			})
		}), nil
	case "prod":
		dist := cfg.DistDir
		if dist == "" {
			dist = filepath.Clean("webui/dist")
		}
		return newSPAHandler(dist), nil
	case "dev":
		proxyURL := cfg.DevProxyURL
		if proxyURL == "" {
			proxyURL = "http://127.0.0.1:15173"
		}
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, routeError("invalid dev proxy url: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, e error) {
			http.Error(w, "webui dev server unavailable at "+u.Host, http.StatusBadGateway)
		}
		return proxy, nil
	default:
		return nil, routeError("unknown webui mode %q", cfg.Mode)
	}
}

type spaHandler struct {
	dist string
}

func newSPAHandler(dist string) http.Handler {
	return &spaHandler{dist: dist}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := filepath.Clean("/" + r.URL.Path)
	indexPath := filepath.Join(h.dist, "index.html")
	if clean == "/" {
		http.ServeFile(w, r, indexPath)
		return
	}
	candidate := filepath.Join(h.dist, strings.TrimPrefix(clean, "/"))
	if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
		http.ServeFile(w, r, candidate)
		return
	}
	http.ServeFile(w, r, indexPath)
}
