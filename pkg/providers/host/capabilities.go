package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Capabilities a plugin may request. Logging is always available.
const (
	CapabilityEnvRead     = "env:read"
	CapabilityNetOutbound = "net:outbound"
)

var knownCapabilities = map[string]bool{
	CapabilityEnvRead:     true,
	CapabilityNetOutbound: true,
}

// CapabilityEnforcer gates the host functions exposed to a plugin.
type CapabilityEnforcer struct {
	// granted is the set of capabilities granted to this plugin.
	granted map[string]bool

	// httpClient serves net:outbound.
	httpClient *http.Client
}

// NewCapabilityEnforcer creates an enforcer granting capabilities.
func NewCapabilityEnforcer(capabilities []string) *CapabilityEnforcer {
	e := &CapabilityEnforcer{
		granted: make(map[string]bool, len(capabilities)),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, c := range capabilities {
		e.granted[c] = true
	}
	return e
}

// HasCapability checks if a capability is granted.
func (e *CapabilityEnforcer) HasCapability(capability string) bool {
	return e.granted[capability]
}

// ValidateCapabilities checks that every requested capability is granted.
func (e *CapabilityEnforcer) ValidateCapabilities(requested []string) error {
	var missing []string
	for _, c := range requested {
		if !e.granted[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}
	return nil
}

// HTTPRequest performs an HTTP request if net:outbound is granted and
// returns the status code.
func (e *CapabilityEnforcer) HTTPRequest(ctx context.Context, method, url string) (int, error) {
	if !e.HasCapability(CapabilityNetOutbound) {
		return 0, fmt.Errorf("capability %s not granted", CapabilityNetOutbound)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// ReadEnv reads an environment variable if env:read is granted. Credentials
// are never exposed.
func (e *CapabilityEnforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapabilityEnvRead) {
		return "", fmt.Errorf("capability %s not granted", CapabilityEnvRead)
	}
	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}
	return os.Getenv(key), nil
}

func isSensitiveEnvVar(key string) bool {
	sensitive := []string{
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"SSH_PRIVATE_KEY",
		"API_KEY",
		"SECRET",
		"TOKEN",
		"PASSWORD",
		"CREDENTIAL",
	}

	upper := strings.ToUpper(key)
	for _, s := range sensitive {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
