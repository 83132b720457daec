package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("GenerateRequestID() = %q is not a UUID: %v", id, err)
	}
	if !isValidRequestID(id) {
		t.Errorf("generated ID %q fails validation", id)
	}
	if id == GenerateRequestID() {
		t.Error("request IDs should be unique")
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty) = %q", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := GetRequestID(ctx); got != "abc" {
		t.Errorf("GetRequestID() = %q, want abc", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		upstream  string
		expectNew bool
	}{
		{name: "generates new ID when not present", expectNew: true},
		{name: "preserves valid upstream ID", upstream: "upstream-request-id-xyz"},
		{name: "rejects ID with spaces", upstream: "id with spaces", expectNew: true},
		{name: "rejects overly long ID", upstream: strings.Repeat("a", 129), expectNew: true},
		{name: "rejects markup", upstream: "<script>alert(1)</script>", expectNew: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if captured == "" {
				t.Fatal("no request ID in context")
			}
			if got := w.Header().Get(RequestIDHeader); got != captured {
				t.Errorf("response header = %q, context = %q", got, captured)
			}
			if tt.expectNew && captured == tt.upstream {
				t.Errorf("invalid upstream ID %q was kept", tt.upstream)
			}
			if !tt.expectNew && captured != tt.upstream {
				t.Errorf("valid upstream ID replaced: got %q", captured)
			}
		})
	}
}
