package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type Handler struct {
	shopProxy  *ServiceProxy
	adminProxy *ServiceProxy
	logger     *slog.Logger
}

func NewHandler(shopProxy, adminProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		shopProxy:  shopProxy,
		adminProxy: adminProxy,
		logger:     logger,
	}
}

// HandleShop forwards /api/... to the shop service without the /api prefix.
func (h *Handler) HandleShop(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.shopProxy, stripPrefix(r.URL.Path, "/api"))
}

// HandleAdmin forwards /api/admin/... to the admin service without the
// /api/admin prefix.
func (h *Handler) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.adminProxy, stripPrefix(r.URL.Path, "/api/admin"))
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	for _, cookie := range resp.Header.Values("Set-Cookie") {
		w.Header().Add("Set-Cookie", cookie)
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func stripPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
