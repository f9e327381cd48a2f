package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/stores"
)

// monday is 09:00 UTC on a Monday.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeAdapter records every call. Errors queued in fail are returned in order
// for the matching action; callbacks are delivered by the test.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   []engine.ActionRequest
	keys    []engine.KeyRequest
	fail    map[engine.Action][]error
	keyFail map[string]error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		fail:    make(map[engine.Action][]error),
		keyFail: make(map[string]error),
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Create(_ context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	return f.do(req)
}

func (f *fakeAdapter) Start(_ context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	return f.do(req)
}

func (f *fakeAdapter) Stop(_ context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	return f.do(req)
}

func (f *fakeAdapter) Terminate(_ context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	return f.do(req)
}

func (f *fakeAdapter) ReuploadKey(_ context.Context, req engine.KeyRequest) (*engine.AsyncHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, req)
	if err := f.keyFail[req.ResourceID]; err != nil {
		return nil, err
	}
	return &engine.AsyncHandle{ID: "key-" + req.ResourceID, ResourceID: req.ResourceID}, nil
}

func (f *fakeAdapter) do(req engine.ActionRequest) (*engine.AsyncHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if errs := f.fail[req.Action]; len(errs) > 0 {
		f.fail[req.Action] = errs[1:]
		return nil, errs[0]
	}
	return &engine.AsyncHandle{
		ID:         fmt.Sprintf("%s-%s-%d", req.Action, req.ResourceID, req.Sequence),
		ResourceID: req.ResourceID,
		Sequence:   req.Sequence,
	}, nil
}

func (f *fakeAdapter) failNext(action engine.Action, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[action] = append(f.fail[action], errs...)
}

// callsFor returns the recorded calls of action against id.
func (f *fakeAdapter) callsFor(action engine.Action, id string) []engine.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.ActionRequest
	for _, c := range f.calls {
		if c.Action == action && c.ResourceID == id {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) actions() []engine.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ActionRequest(nil), f.calls...)
}

func (f *fakeAdapter) keyRequests() []engine.KeyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.KeyRequest(nil), f.keys...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *stores.MemoryStore
	clock   *clock.Mock
	adapter *fakeAdapter
	eng     *engine.Engine
}

func newHarness(t *testing.T, quota engine.QuotaConfig) *harness {
	t.Helper()

	store := stores.NewMemoryStore()
	clk := clock.NewMock()
	clk.Set(monday)

	adapter := newFakeAdapter()
	adapters := engine.NewAdapterRegistry()
	if err := adapters.Register(adapter, engine.RateLimit{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Registry:        store,
		Adapters:        adapters,
		Quota:           quota,
		Clock:           clk,
		Logger:          zerolog.Nop(),
		DispatchTimeout: 10 * time.Minute,
		RetryInterval:   time.Millisecond,
		KeyTaskTimeout:  5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Wait)

	return &harness{t: t, ctx: context.Background(), store: store, clock: clk, adapter: adapter, eng: eng}
}

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

// project creates a project and confirms its infrastructure. It returns the
// PROJECT record ID.
func (h *harness) project(name string) string {
	h.t.Helper()
	adm, err := h.eng.Orchestrator.CreateProject(h.ctx, "admin", &engine.ProjectSpec{
		Name:       name,
		Provider:   "fake",
		KeyContent: testKey(h.t),
	})
	if err != nil {
		h.t.Fatalf("CreateProject: %v", err)
	}
	h.confirm(adm.ResourceID)
	return adm.ResourceID
}

// edge creates a running edge in project.
func (h *harness) edge(project string) string {
	h.t.Helper()
	adm := h.submit(engine.ResourceTypeEdge, project+"-edge", "admin", project, "")
	h.confirm(adm.ResourceID)
	return adm.ResourceID
}

// running creates a running exploratory for owner in project.
func (h *harness) running(name, owner, project string) string {
	h.t.Helper()
	adm := h.submit(engine.ResourceTypeExploratory, name, owner, project, "")
	h.confirm(adm.ResourceID)
	return adm.ResourceID
}

func (h *harness) submit(typ engine.ResourceType, name, owner, project, parent string) *engine.Admission {
	h.t.Helper()
	adm, err := h.eng.Orchestrator.Submit(h.ctx, owner, &engine.ResourceRequest{
		Type:     typ,
		Name:     name,
		Owner:    owner,
		Project:  project,
		Provider: "fake",
		ParentID: parent,
		Spec:     engine.ResourceSpec{Image: "jupyter", NodeCount: 1},
	})
	if err != nil {
		h.t.Fatalf("Submit %s: %v", name, err)
	}
	return adm
}

// confirm delivers a success callback for the record's pending action.
func (h *harness) confirm(id string) engine.ReconcileOutcome {
	h.t.Helper()
	rec := h.get(id)
	return h.eng.Reconciler.Reconcile(h.ctx, engine.Callback{
		ResourceID: id,
		Sequence:   rec.Sequence,
		Status:     engine.CallbackSuccess,
	})
}

// reject delivers a failure callback for the record's pending action.
func (h *harness) reject(id, reason string) engine.ReconcileOutcome {
	h.t.Helper()
	rec := h.get(id)
	return h.eng.Reconciler.Reconcile(h.ctx, engine.Callback{
		ResourceID: id,
		Sequence:   rec.Sequence,
		Status:     engine.CallbackFailure,
		Error:      reason,
	})
}

func (h *harness) get(id string) *engine.ResourceRecord {
	h.t.Helper()
	rec, err := h.store.GetResource(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetResource %s: %v", id, err)
	}
	return rec
}

func (h *harness) expectStatus(id string, want engine.ResourceStatus) {
	h.t.Helper()
	if got := h.get(id).Status; got != want {
		h.t.Fatalf("%s status = %s, want %s", id, got, want)
	}
}

func TestNewRequiresRegistryAndAdapters(t *testing.T) {
	if _, err := engine.New(engine.Options{Adapters: engine.NewAdapterRegistry()}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := engine.New(engine.Options{Registry: stores.NewMemoryStore()}); err == nil {
		t.Error("expected error without adapters")
	}
}
