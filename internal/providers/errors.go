package providers

import "fmt"

// AuthError means the provider rejected our credentials (HTTP 401/403).
// Surfaced to the user as "provider unavailable; run setup".
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (HTTP %d)", e.Provider, e.Status)
}

// ProviderError is any non-2xx, non-auth response from the remote API.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, body)
}

// TransportError wraps a network-level failure (DNS, connect, timeout).
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: request failed", e.Provider)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
