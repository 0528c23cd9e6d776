package types

import (
	"context"
	"testing"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if got := GetRunID(ctx); got != "" {
		t.Errorf("GetRunID on empty context = %q, want empty", got)
	}
	if got := GetTraceID(ctx); got != "" {
		t.Errorf("GetTraceID on empty context = %q, want empty", got)
	}

	ctx = WithRunID(ctx, "run-1")
	ctx = WithTraceID(ctx, "trace-1")

	if got := GetRunID(ctx); got != "run-1" {
		t.Errorf("GetRunID = %q, want run-1", got)
	}
	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("GetTraceID = %q, want trace-1", got)
	}
}
