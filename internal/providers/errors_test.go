package providers

import (
	"errors"
	"strings"
	"testing"
)

func TestTransportErrorMessage(t *testing.T) {
	wrapped := &TransportError{Provider: "openai", Err: errors.New("connection refused")}
	if got := wrapped.Error(); got != "openai: request failed: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("TransportError does not unwrap to its cause")
	}

	// A transport failure with no recorded cause still reads cleanly.
	bare := &TransportError{Provider: "openai"}
	if got := bare.Error(); strings.Contains(got, "<nil>") {
		t.Errorf("Error() = %q, leaks a nil cause", got)
	}
	if got := bare.Error(); got != "openai: request failed" {
		t.Errorf("Error() = %q", got)
	}
}
