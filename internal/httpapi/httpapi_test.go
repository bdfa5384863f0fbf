package httpapi

import (
	"context"
	"time"

	"github.com/shuthost/shuthost/internal/auth"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/hoststatus"
	"github.com/shuthost/shuthost/internal/leasestore"
	"github.com/shuthost/shuthost/internal/pubsub"
)

// fakeConfig is a minimal ConfigSource backed by a pubsub.Broadcaster.
type fakeConfig struct {
	b *pubsub.Broadcaster[*config.Snapshot]
}

func newFakeConfig(snap *config.Snapshot) *fakeConfig {
	return &fakeConfig{b: pubsub.NewWithValue(snap)}
}

func (f *fakeConfig) Snapshot() *config.Snapshot {
	v, _ := f.b.Current()
	return v
}

func (f *fakeConfig) Subscribe(buffer int) (<-chan *config.Snapshot, func()) {
	return f.b.Subscribe(buffer)
}

func (f *fakeConfig) publish(snap *config.Snapshot) { f.b.Publish(snap) }

// fakeStatus is a minimal StatusSource.
type fakeStatus struct {
	b            *pubsub.Broadcaster[hoststatus.Status]
	pollOutcomes map[string]error
}

func newFakeStatus(initial hoststatus.Status) *fakeStatus {
	return &fakeStatus{b: pubsub.NewWithValue(initial), pollOutcomes: map[string]error{}}
}

func (f *fakeStatus) Snapshot() hoststatus.Status {
	v, _ := f.b.Current()
	return v
}

func (f *fakeStatus) Subscribe(buffer int) (<-chan hoststatus.Status, func()) {
	return f.b.Subscribe(buffer)
}

func (f *fakeStatus) PollUntilState(ctx context.Context, host string, desired hoststatus.State, timeout, interval time.Duration) error {
	return f.pollOutcomes[host]
}

func (f *fakeStatus) publish(s hoststatus.Status) { f.b.Publish(s) }

// fakeLeases is a minimal LeaseSource.
type fakeLeases struct {
	b      *pubsub.Broadcaster[leasestore.Snapshot]
	leases leasestore.Snapshot
}

func newFakeLeases(initial leasestore.Snapshot) *fakeLeases {
	if initial == nil {
		initial = leasestore.Snapshot{}
	}
	return &fakeLeases{b: pubsub.NewWithValue(initial), leases: initial}
}

func (f *fakeLeases) Snapshot() leasestore.Snapshot {
	v, _ := f.b.Current()
	return v
}

func (f *fakeLeases) Subscribe(buffer int) (<-chan leasestore.Snapshot, func()) {
	return f.b.Subscribe(buffer)
}

func (f *fakeLeases) Add(host string, source leasestore.Source) error {
	set, ok := f.leases[host]
	if !ok {
		set = map[leasestore.Source]struct{}{}
		f.leases[host] = set
	}
	set[source] = struct{}{}
	f.b.Publish(f.leases)
	return nil
}

func (f *fakeLeases) Remove(host string, source leasestore.Source) error {
	if set, ok := f.leases[host]; ok {
		delete(set, source)
		if len(set) == 0 {
			delete(f.leases, host)
		}
	}
	f.b.Publish(f.leases)
	return nil
}

func (f *fakeLeases) PurgeClient(name string) error {
	src := leasestore.Client(name)
	for host, set := range f.leases {
		delete(set, src)
		if len(set) == 0 {
			delete(f.leases, host)
		}
	}
	f.b.Publish(f.leases)
	return nil
}

// fakeReconciler records every call instead of touching real hosts.
type fakeReconciler struct {
	handleErr error
	calls     []string
	spawned   []string
}

func (f *fakeReconciler) HandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{}) error {
	f.calls = append(f.calls, host)
	return f.handleErr
}

func (f *fakeReconciler) SpawnHandleHostState(ctx context.Context, host string, leaseSet map[leasestore.Source]struct{}) {
	f.spawned = append(f.spawned, host)
}

func disabledAuthRuntime() *auth.Runtime {
	rt, err := auth.Resolve(config.AuthConfig{Mode: config.AuthModeNone}, nil)
	if err != nil {
		panic(err)
	}
	return rt
}

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Hosts: map[string]config.HostConfig{
			"web-1": {IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Port: 9700, SharedSecret: "hostsecret"},
		},
		Clients: map[string]config.ClientConfig{
			"ci-runner": {SharedSecret: "clientsecret"},
		},
		Epoch: 1,
	}
}
