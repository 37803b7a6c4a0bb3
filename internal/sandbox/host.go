package sandbox

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidPreviewURL is returned when a preview URL does not encode a sandbox ID.
var ErrInvalidPreviewURL = errors.New("invalid sandbox preview URL")

// FormatHost encodes a port and sandbox ID into a preview hostname:
// <port>-<sandboxID>.<domain>. ParseSandboxID is its inverse; the pair is a
// contract with every consumer of stored preview URLs.
func FormatHost(port int, id, domain string) string {
	return fmt.Sprintf("%d-%s.%s", port, id, domain)
}

// PreviewURL returns the browsable URL of a preview host.
func PreviewURL(host string) string {
	return "http://" + host
}

// ParseSandboxID extracts the sandbox ID from a preview URL built with FormatHost.
func ParseSandboxID(rawURL, domain string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPreviewURL, err)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidPreviewURL, rawURL)
	}
	suffix := "." + domain
	if !strings.HasSuffix(hostname, suffix) {
		return "", fmt.Errorf("%w: host %q is not under %q", ErrInvalidPreviewURL, hostname, domain)
	}
	port, id, ok := strings.Cut(strings.TrimSuffix(hostname, suffix), "-")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: host %q", ErrInvalidPreviewURL, hostname)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%w: host %q has no port prefix", ErrInvalidPreviewURL, hostname)
	}
	return id, nil
}
