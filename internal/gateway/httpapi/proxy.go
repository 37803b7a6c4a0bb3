package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxProxyRedirects bounds the redirect chain a preview may send.
const maxProxyRedirects = 5

var errRedirectNotAllowed = errors.New("redirect target not allowed")

// previewProxy relays a sandbox preview page so it can be framed by the UI.
type previewProxy struct {
	client     *http.Client
	hostSuffix string
	logger     *slog.Logger
}

func newPreviewProxy(timeout time.Duration, hostSuffix string, logger *slog.Logger) *previewProxy {
	p := &previewProxy{
		hostSuffix: strings.TrimPrefix(hostSuffix, "."),
		logger:     logger,
	}
	p.client = &http.Client{Timeout: timeout, CheckRedirect: p.checkRedirect}
	return p
}

// checkRedirect applies the host allowlist to every hop, not only the first.
func (p *previewProxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxProxyRedirects {
		return errors.New("too many redirects")
	}
	if (req.URL.Scheme != "http" && req.URL.Scheme != "https") || !p.allowedHost(req.URL.Hostname()) {
		return errRedirectNotAllowed
	}
	return nil
}

func (p *previewProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeProxyError(w, http.StatusBadRequest, "Missing url parameter")
		return
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		writeProxyError(w, http.StatusBadRequest, "Invalid url parameter")
		return
	}
	if !p.allowedHost(target.Hostname()) {
		writeProxyError(w, http.StatusBadRequest, "Host not allowed")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "Invalid url parameter")
		return
	}
	req.Header.Set("User-Agent", "kijenzi-preview-proxy")

	resp, err := p.client.Do(req)
	if errors.Is(err, errRedirectNotAllowed) {
		p.logger.Warn("preview proxy redirect blocked", slog.String("url", target.Redacted()))
		writeProxyError(w, http.StatusBadRequest, "Host not allowed")
		return
	}
	if err != nil {
		p.logger.Warn("preview proxy request failed",
			slog.String("url", target.Redacted()),
			slog.String("error", err.Error()),
		)
		writeProxyError(w, http.StatusBadGateway, "Failed to fetch preview")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		writeProxyError(w, resp.StatusCode, "Failed to fetch: "+resp.Status)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Frame-Options", "ALLOWALL")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("preview proxy copy interrupted", slog.String("error", err.Error()))
	}
}

func (p *previewProxy) allowedHost(host string) bool {
	if p.hostSuffix == "" {
		return true
	}
	return host == p.hostSuffix || strings.HasSuffix(host, "."+p.hostSuffix)
}

func writeProxyError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
