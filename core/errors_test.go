package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProviderErrorClassification(t *testing.T) {
	transient := TransientError("fast", "generate", errors.New("rate limited"))
	if !IsTransient(transient) {
		t.Error("expected transient error to report transient")
	}
	if IsPermanent(transient) {
		t.Error("transient error must not report permanent")
	}

	permanent := PermanentError("fast", "embed", errors.New("invalid key"))
	if !IsPermanent(permanent) {
		t.Error("expected permanent error to report permanent")
	}
	if IsTransient(permanent) {
		t.Error("permanent error must not report transient")
	}

	if IsTransient(errors.New("plain")) || IsPermanent(errors.New("plain")) {
		t.Error("non-provider errors must report neither class")
	}
}

func TestProviderErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("call failed: %w", TransientError("slow", "generate", cause))

	if !IsTransient(wrapped) {
		t.Error("classification must survive additional wrapping")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected the original cause to remain reachable")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := NewConfigError("llmProfiles.fast.model", "a model identifier is required")
	want := "config: llmProfiles.fast.model: a model identifier is required"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	bare := &ConfigError{Reason: "empty configuration"}
	if bare.Error() != "config: empty configuration" {
		t.Errorf("unexpected fieldless message: %q", bare.Error())
	}
}

func TestIngestionErrorUnwrap(t *testing.T) {
	cause := errors.New("store offline")
	err := &IngestionError{UserID: "u1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
	if !strings.Contains(err.Error(), "u1") {
		t.Errorf("expected user id in message, got %q", err.Error())
	}
}

func TestRoundFailureListsEveryBackend(t *testing.T) {
	err := &RoundFailure{Reasons: map[string]error{
		"charlie": errors.New("timeout"),
		"alpha":   errors.New("rate limited"),
		"bravo":   errors.New("bad gateway"),
	}}

	msg := err.Error()
	for _, backend := range []string{"alpha", "bravo", "charlie"} {
		if !strings.Contains(msg, backend) {
			t.Errorf("message missing backend %s: %q", backend, msg)
		}
	}
	// Deterministic ordering: backends sorted by id.
	if strings.Index(msg, "alpha") > strings.Index(msg, "bravo") ||
		strings.Index(msg, "bravo") > strings.Index(msg, "charlie") {
		t.Errorf("backends not sorted in message: %q", msg)
	}
}
