package observability

import (
	"context"
	"testing"
)

func TestBuildExporter_Unknown(t *testing.T) {
	if _, err := buildExporter(context.Background(), "carrier-pigeon", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitTracing_NoneAndStartSpan(t *testing.T) {
	shutdown, err := InitTracing("test", "none", nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "match")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
