package engine_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labforge/labforge/pkg/engine"
)

func TestIngressHandler(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	edge := h.submit(engine.ResourceTypeEdge, "edge", "admin", "p", "")

	srv := httptest.NewServer(h.eng.Ingress.Handler())
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		want     engine.ReconcileOutcome
	}{
		{
			name:     "applied",
			path:     "/callbacks/edge",
			body:     fmt.Sprintf(`{"resource_id":%q,"sequence":1,"status":"success"}`, edge.ResourceID),
			wantCode: http.StatusAccepted,
			want:     engine.CallbackApplied,
		},
		{
			name:     "duplicate",
			path:     "/callbacks/edge",
			body:     fmt.Sprintf(`{"resource_id":%q,"sequence":1,"status":"success"}`, edge.ResourceID),
			wantCode: http.StatusAccepted,
			want:     engine.CallbackDuplicate,
		},
		{
			name:     "wrong category",
			path:     "/callbacks/computational",
			body:     fmt.Sprintf(`{"resource_id":%q,"sequence":1,"status":"success"}`, edge.ResourceID),
			wantCode: http.StatusAccepted,
			want:     engine.CallbackMalformed,
		},
		{
			name:     "unknown key task",
			path:     "/callbacks/reupload-key",
			body:     `{"task_id":"nope","resource_id":"x","status":"success"}`,
			wantCode: http.StatusAccepted,
			want:     engine.CallbackMalformed,
		},
		{
			name:     "bad body",
			path:     "/callbacks/edge",
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.want == "" {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["outcome"] != string(tt.want) {
				t.Errorf("outcome = %q, want %q", body["outcome"], tt.want)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/callbacks/edge")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}
