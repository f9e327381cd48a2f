package openstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	th "github.com/gophercloud/gophercloud/testhelper"
	fake "github.com/gophercloud/gophercloud/testhelper/client"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/providers"
)

const serverJSON = `{
	"server": {
		"id": "srv-1",
		"name": "labforge-genomics-notebook",
		"status": %q,
		"addresses": {
			"private": [
				{"addr": "fd00::5", "version": 6, "OS-EXT-IPS:type": "fixed"},
				{"addr": "10.0.0.5", "version": 4, "OS-EXT-IPS:type": "fixed"},
				{"addr": "203.0.113.9", "version": 4, "OS-EXT-IPS:type": "floating"}
			]
		}
	}
}`

// fakeNova serves a single server whose status the test controls.
type fakeNova struct {
	mu      sync.Mutex
	status  string
	deleted bool
	created map[string]interface{}
	actions []string
}

func (f *fakeNova) register(t *testing.T) {
	t.Helper()

	th.Mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.created, _ = body["server"].(map[string]interface{})
		f.status = "BUILD"
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, serverJSON, "BUILD")
	})

	th.Mux.HandleFunc("/servers/srv-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.deleted {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, serverJSON, f.status)
			// The next poll sees the transition complete.
			switch f.status {
			case "BUILD":
				f.status = "ACTIVE"
			case "DELETING":
				f.deleted = true
			}
		case http.MethodDelete:
			f.actions = append(f.actions, "delete")
			f.status = "DELETING"
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	th.Mux.HandleFunc("/servers/srv-1/action", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(data, &body)

		f.mu.Lock()
		defer f.mu.Unlock()
		_, stop := body["os-stop"]
		_, start := body["os-start"]
		switch {
		case stop:
			f.actions = append(f.actions, "stop")
			f.status = "SHUTOFF"
		case start:
			f.actions = append(f.actions, "start")
			f.status = "ACTIVE"
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	th.Mux.HandleFunc("/servers/missing/action", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}

type sink struct {
	mu        sync.Mutex
	callbacks []engine.Callback
}

func (s *sink) Deliver(_ context.Context, cb engine.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *sink) DeliverKey(context.Context, engine.KeyCallback) {}

func (s *sink) last() engine.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks[len(s.callbacks)-1]
}

func TestAdapterAgainstNova(t *testing.T) {
	th.SetupHTTP()
	defer th.TeardownHTTP()

	nova := &fakeNova{}
	nova.register(t)

	adapter, err := NewWithClient(Config{
		Image:        "ubuntu-22.04",
		Flavor:       "m1.small",
		Networks:     []string{"net-1"},
		KeyName:      "labforge",
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
	}, fake.ServiceClient(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	defer adapter.Close()
	if adapter.Name() != DefaultName {
		t.Errorf("Name() = %q", adapter.Name())
	}
	out := &sink{}
	adapter.Bind(out)
	ctx := context.Background()

	req := engine.ActionRequest{
		ResourceID: "res-1", Sequence: 1, Action: engine.ActionCreate,
		Type: engine.ResourceTypeExploratory, Name: "notebook", Owner: "alice", Project: "genomics",
		Spec: engine.ResourceSpec{Shape: "m1.large"},
	}
	if _, err := adapter.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	adapter.Wait()

	nova.mu.Lock()
	created := nova.created
	nova.mu.Unlock()
	if created["name"] != "labforge-genomics-notebook" || created["imageRef"] != "ubuntu-22.04" || created["flavorRef"] != "m1.large" {
		t.Errorf("create body = %v", created)
	}
	if created["key_name"] != "labforge" {
		t.Errorf("keypair not injected: %v", created)
	}
	if meta, _ := created["metadata"].(map[string]interface{}); meta["labforge-resource"] != "res-1" {
		t.Errorf("metadata = %v", created["metadata"])
	}

	cb := out.last()
	if cb.Status != engine.CallbackSuccess || cb.Payload.CloudRef != "srv-1" {
		t.Fatalf("create callback = %+v", cb)
	}
	want := engine.NetworkInfo{PublicIP: "203.0.113.9", PrivateIP: "10.0.0.5", Hostname: "labforge-genomics-notebook", SubnetID: "private"}
	if *cb.Payload.Network != want {
		t.Errorf("network = %+v, want %+v", *cb.Payload.Network, want)
	}

	for i, step := range []struct {
		action engine.Action
		call   func(context.Context, engine.ActionRequest) (*engine.AsyncHandle, error)
	}{
		{engine.ActionStop, adapter.Stop},
		{engine.ActionStart, adapter.Start},
		{engine.ActionTerminate, adapter.Terminate},
	} {
		seq := int64(i + 2)
		if _, err := step.call(ctx, engine.ActionRequest{ResourceID: "res-1", Sequence: seq, Action: step.action, CloudRef: "srv-1"}); err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
		adapter.Wait()
		if cb := out.last(); cb.Status != engine.CallbackSuccess || cb.Sequence != seq {
			t.Fatalf("%s callback = %+v", step.action, cb)
		}
	}

	nova.mu.Lock()
	actions := fmt.Sprint(nova.actions)
	nova.mu.Unlock()
	if actions != "[stop start delete]" {
		t.Errorf("nova actions = %s", actions)
	}

	_, err = adapter.Start(ctx, engine.ActionRequest{ResourceID: "res-2", Sequence: 2, Action: engine.ActionStart, CloudRef: "missing"})
	if !engine.IsPermanent(err) || !errors.Is(err, providers.ErrInstanceNotFound) {
		t.Errorf("Start of missing server = %v", err)
	}
}

func TestLaunchNeedsImageAndFlavor(t *testing.T) {
	c := &Compute{config: Config{Flavor: "m1.small"}}
	_, err := c.Launch(context.Background(), engine.ActionRequest{ResourceID: "res-1", Name: "nb"})
	if !engine.IsValidation(err) {
		t.Errorf("Launch() = %v, want validation error", err)
	}
}

func TestServerState(t *testing.T) {
	tests := map[string]providers.InstanceState{
		"ACTIVE":       providers.StateRunning,
		"BUILD":        providers.StatePending,
		"REBOOT":       providers.StatePending,
		"SHUTOFF":      providers.StateStopped,
		"SOFT_DELETED": providers.StateDeleted,
		"ERROR":        providers.StateError,
	}
	for status, want := range tests {
		if got := serverState(status); got != want {
			t.Errorf("serverState(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestNetworkInfoWithoutFloatingIP(t *testing.T) {
	server := &servers.Server{
		Name: "edge",
		Addresses: map[string]interface{}{
			"zeta":  []interface{}{map[string]interface{}{"addr": "10.9.0.2", "version": float64(4)}},
			"alpha": []interface{}{map[string]interface{}{"addr": "10.1.0.2", "version": float64(4), "OS-EXT-IPS:type": "fixed"}},
		},
	}
	got := networkInfo(server)
	if got.PrivateIP != "10.1.0.2" || got.SubnetID != "alpha" || got.PublicIP != "" {
		t.Errorf("networkInfo() = %+v", got)
	}
}

func TestClassify(t *testing.T) {
	status := func(code int) error {
		return gophercloud.ErrUnexpectedResponseCode{Actual: code}
	}

	tests := []struct {
		name string
		err  error
		want engine.ErrorClass
	}{
		{"throttled", status(http.StatusTooManyRequests), engine.ErrorClassThrottled},
		{"conflict", status(http.StatusConflict), engine.ErrorClassConflict},
		{"server error", status(http.StatusServiceUnavailable), engine.ErrorClassTransient},
		{"forbidden", status(http.StatusForbidden), engine.ErrorClassPermanent},
		{"bad request", fmt.Errorf("failed to create server: %w", status(http.StatusBadRequest)), engine.ErrorClassPermanent},
		{"not found", fmt.Errorf("server x: %w", providers.ErrInstanceNotFound), engine.ErrorClassPermanent},
		{"network", errors.New("dial tcp: connection refused"), engine.ErrorClassTransient},
		{"engine error", engine.NewValidationError("bad"), engine.ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify("openstack", tt.err); got.Class != tt.want {
				t.Errorf("Classify() class = %s, want %s", got.Class, tt.want)
			}
		})
	}
}
