package engine_test

import (
	"testing"

	"github.com/labforge/labforge/pkg/engine"
)

func TestReconcileAppliesPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	edge := h.submit(engine.ResourceTypeEdge, "edge", "admin", "p", "")

	out := h.eng.Reconciler.Reconcile(h.ctx, engine.Callback{
		ResourceID: edge.ResourceID,
		Sequence:   1,
		Status:     engine.CallbackSuccess,
		Payload: &engine.CallbackPayload{
			CloudRef: "i-0abc",
			Network:  &engine.NetworkInfo{PublicIP: "203.0.113.7", PrivateIP: "10.0.0.4"},
		},
	})
	if out != engine.CallbackApplied {
		t.Fatalf("outcome = %s, want applied", out)
	}

	rec := h.get(edge.ResourceID)
	if rec.Status != engine.StatusRunning || rec.PendingAction != "" || rec.DispatchDeadline != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CloudRef != "i-0abc" || rec.Network.PublicIP != "203.0.113.7" {
		t.Errorf("payload not applied: ref=%q network=%+v", rec.CloudRef, rec.Network)
	}

	p, _ := h.store.GetProject(h.ctx, "p")
	if p.Edge.PublicIP != "203.0.113.7" {
		t.Errorf("project edge address = %q", p.Edge.PublicIP)
	}
}

func TestReconcileOrdering(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb := h.running("nb", "alice", "p")

	if _, err := h.eng.Orchestrator.Stop(h.ctx, "alice", nb); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	before := h.get(nb)
	if before.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", before.Sequence)
	}

	tests := []struct {
		name string
		cb   engine.Callback
		want engine.ReconcileOutcome
	}{
		{
			name: "stale create callback",
			cb:   engine.Callback{ResourceID: nb, Sequence: 1, Status: engine.CallbackFailure, Error: "late"},
			want: engine.CallbackStale,
		},
		{
			name: "sequence ahead",
			cb:   engine.Callback{ResourceID: nb, Sequence: 3, Status: engine.CallbackSuccess},
			want: engine.CallbackMalformed,
		},
		{
			name: "unknown resource",
			cb:   engine.Callback{ResourceID: "missing", Sequence: 1, Status: engine.CallbackSuccess},
			want: engine.CallbackMalformed,
		},
		{
			name: "missing sequence",
			cb:   engine.Callback{ResourceID: nb, Status: engine.CallbackSuccess},
			want: engine.CallbackMalformed,
		},
		{
			name: "bad status",
			cb:   engine.Callback{ResourceID: nb, Sequence: 2, Status: "done"},
			want: engine.CallbackMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.eng.Reconciler.Reconcile(h.ctx, tt.cb); got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			after := h.get(nb)
			if after.Version != before.Version || after.Status != engine.StatusStopping {
				t.Errorf("dropped callback changed the record: %+v", after)
			}
		})
	}

	if out := h.confirm(nb); out != engine.CallbackApplied {
		t.Fatalf("current callback = %s, want applied", out)
	}
	h.expectStatus(nb, engine.StatusStopped)
}

func TestReconcileDuplicateIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	edge := h.submit(engine.ResourceTypeEdge, "edge", "admin", "p", "")

	cb := engine.Callback{ResourceID: edge.ResourceID, Sequence: 1, Status: engine.CallbackSuccess}
	if out := h.eng.Reconciler.Reconcile(h.ctx, cb); out != engine.CallbackApplied {
		t.Fatalf("first delivery = %s", out)
	}
	first := h.get(edge.ResourceID)

	if out := h.eng.Reconciler.Reconcile(h.ctx, cb); out != engine.CallbackDuplicate {
		t.Fatalf("second delivery = %s, want duplicate", out)
	}
	second := h.get(edge.ResourceID)
	if second.Version != first.Version || second.Status != engine.StatusRunning {
		t.Errorf("duplicate changed the record: %+v", second)
	}

	// A failure replayed for the same sequence does not undo the success.
	cb.Status = engine.CallbackFailure
	if out := h.eng.Reconciler.Reconcile(h.ctx, cb); out != engine.CallbackDuplicate {
		t.Fatalf("conflicting replay = %s, want duplicate", out)
	}
	h.expectStatus(edge.ResourceID, engine.StatusRunning)
}

func TestReconcileFailureRecordsReason(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb := h.submit(engine.ResourceTypeExploratory, "nb", "alice", "p", "")

	h.reject(nb.ResourceID, "")
	rec := h.get(nb.ResourceID)
	if rec.Status != engine.StatusFailed || rec.LastError != "create failed" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	user, _, _ := h.eng.Quota.Usage(h.ctx, engine.ResourceTypeExploratory, "alice", "p")
	if user != 0 {
		t.Errorf("failed record still holds quota: %d", user)
	}
}

func TestIngressCategoryMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb := h.submit(engine.ResourceTypeExploratory, "nb", "alice", "p", "")
	before := h.get(nb.ResourceID)

	cb := engine.Callback{ResourceID: nb.ResourceID, Sequence: 1, Status: engine.CallbackSuccess}
	if out := h.eng.Ingress.Edge(h.ctx, cb); out != engine.CallbackMalformed {
		t.Fatalf("edge ingress = %s, want malformed", out)
	}
	if after := h.get(nb.ResourceID); after.Version != before.Version {
		t.Fatalf("mismatched callback changed the record")
	}

	if out := h.eng.Ingress.Exploratory(h.ctx, cb); out != engine.CallbackApplied {
		t.Fatalf("exploratory ingress = %s, want applied", out)
	}
	h.expectStatus(nb.ResourceID, engine.StatusRunning)
}
