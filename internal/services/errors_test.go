package services_test

import (
	"errors"
	"strings"
	"testing"

	"conveyor/internal/services"
)

func TestWrapRetainsMarkerAndCause(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "remux", "mux", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"remux", "mux", "failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapNilMarkerDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "fetch", "get", "connection reset", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient default, got %v", err)
	}
}

func TestDetailsDecomposesWrappedError(t *testing.T) {
	base := errors.New("status 503")
	err := services.Wrap(services.ErrTransient, "fetch", "download", "server error", base)

	details := services.Details(err)
	if details.Kind != services.KindTransient {
		t.Fatalf("unexpected kind %q", details.Kind)
	}
	if details.Stage != "fetch" || details.Operation != "download" {
		t.Fatalf("unexpected context: %+v", details)
	}
	if !errors.Is(details.Cause, base) {
		t.Fatalf("expected cause retained, got %v", details.Cause)
	}
	if !strings.Contains(details.Message, "server error") {
		t.Fatalf("unexpected message %q", details.Message)
	}
}

func TestDetailsForeignError(t *testing.T) {
	details := services.Details(errors.New("plain"))
	if details.Kind != services.KindUnknown || details.Message != "plain" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		marker error
		want   bool
	}{
		{services.ErrTransient, true},
		{services.ErrTimeout, true},
		{services.ErrValidation, false},
		{services.ErrPermanent, false},
		{services.ErrExternalTool, false},
	}
	for _, tc := range cases {
		err := services.Wrap(tc.marker, "stage", "op", "msg", nil)
		if got := services.IsTransient(err); got != tc.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", tc.marker, got, tc.want)
		}
	}
	if services.IsTransient(nil) {
		t.Fatal("nil error must not be transient")
	}
}
