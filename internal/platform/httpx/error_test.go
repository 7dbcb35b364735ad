package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/finitefield/order-engine/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("insufficient_stock", "not enough\nstock", http.StatusConflict).
		WithDetail("productId", "A").
		WithDetail("available", 1))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "insufficient_stock" || body["message"] != "not enough stock" || body["trace_id"] != "trace-1" {
		t.Fatalf("unexpected body: %#v", body)
	}
	details, _ := body["details"].(map[string]any)
	if details["productId"] != "A" || details["available"] != float64(1) {
		t.Fatalf("unexpected details: %#v", details)
	}
	if _, ok := body["request_id"]; ok {
		t.Fatal("expected request_id omitted without a request id")
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	err := NewError("internal", "boom", 0)
	if err.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 default, got %d", err.Status)
	}
	if err.Error() != "internal: boom" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
}
