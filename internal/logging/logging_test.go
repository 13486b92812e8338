package logging

import (
	"log/slog"
	"testing"
)

func TestDiscardIsSilentAndNonNil(t *testing.T) {
	l := Discard()
	if l == nil {
		t.Fatal("Discard returned nil")
	}
	// Must not panic, must not emit.
	l.Info("ignored", "k", "v")
	l.With("a", 1).Error("also ignored")
}

func TestDefault(t *testing.T) {
	if Default(nil) == nil {
		t.Fatal("Default(nil) returned nil")
	}

	real := slog.Default()
	if Default(real) != real {
		t.Fatal("Default should pass through a non-nil logger")
	}
}
