package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// CallbackIngress is the boundary where provider callbacks enter the engine.
// Each resource category has its own entry point; a callback whose record
// belongs to another category is dropped.
type CallbackIngress struct {
	*core
	reconciler *Reconciler
	keys       *ReuploadKeyWorkflow
}

// Computational accepts a callback for a computational resource.
func (i *CallbackIngress) Computational(ctx context.Context, cb Callback) ReconcileOutcome {
	return i.category(ctx, cb, ResourceTypeComputational)
}

// Exploratory accepts a callback for an exploratory environment.
func (i *CallbackIngress) Exploratory(ctx context.Context, cb Callback) ReconcileOutcome {
	return i.category(ctx, cb, ResourceTypeExploratory)
}

// Edge accepts a callback for an edge gateway.
func (i *CallbackIngress) Edge(ctx context.Context, cb Callback) ReconcileOutcome {
	return i.category(ctx, cb, ResourceTypeEdge)
}

// Project accepts a callback for project infrastructure.
func (i *CallbackIngress) Project(ctx context.Context, cb Callback) ReconcileOutcome {
	return i.category(ctx, cb, ResourceTypeProject)
}

// ReuploadKey accepts a key association callback.
func (i *CallbackIngress) ReuploadKey(ctx context.Context, cb KeyCallback) ReconcileOutcome {
	return i.keys.Complete(ctx, cb)
}

// Deliver implements CallbackSink for in-process adapters, which already
// know the record they are reporting on.
func (i *CallbackIngress) Deliver(ctx context.Context, cb Callback) {
	i.reconciler.Reconcile(ctx, cb)
}

// DeliverKey implements CallbackSink.
func (i *CallbackIngress) DeliverKey(ctx context.Context, cb KeyCallback) {
	i.keys.Complete(ctx, cb)
}

func (i *CallbackIngress) category(ctx context.Context, cb Callback, t ResourceType) ReconcileOutcome {
	rec, err := i.registry.GetResource(ctx, cb.ResourceID)
	if err == nil && rec.Type != t {
		i.reconciler.drop(cb, rec.Type, CallbackMalformed, fmt.Sprintf("%s callback for a %s resource", t, rec.Type))
		return CallbackMalformed
	}
	return i.reconciler.Reconcile(ctx, cb)
}

// Handler serves the callback endpoints:
//
//	POST /callbacks/computational
//	POST /callbacks/exploratory
//	POST /callbacks/edge
//	POST /callbacks/project
//	POST /callbacks/reupload-key
//
// Every well-formed JSON body is acknowledged with 202 whatever the outcome,
// so providers never retry a callback the engine chose to drop.
func (i *CallbackIngress) Handler() http.Handler {
	mux := http.NewServeMux()
	resource := func(fn func(context.Context, Callback) ReconcileOutcome) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var cb Callback
			if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
				http.Error(w, "invalid callback body", http.StatusBadRequest)
				return
			}
			writeOutcome(w, fn(r.Context(), cb))
		}
	}

	mux.HandleFunc("POST /callbacks/computational", resource(i.Computational))
	mux.HandleFunc("POST /callbacks/exploratory", resource(i.Exploratory))
	mux.HandleFunc("POST /callbacks/edge", resource(i.Edge))
	mux.HandleFunc("POST /callbacks/project", resource(i.Project))
	mux.HandleFunc("POST /callbacks/reupload-key", func(w http.ResponseWriter, r *http.Request) {
		var cb KeyCallback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			http.Error(w, "invalid callback body", http.StatusBadRequest)
			return
		}
		writeOutcome(w, i.ReuploadKey(r.Context(), cb))
	})
	return mux
}

func writeOutcome(w http.ResponseWriter, outcome ReconcileOutcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}
