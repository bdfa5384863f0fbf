// Package leasestore implements the in-memory host→lease-set model that
// drives the reconciler: as long as any source holds a lease on a host, the
// host is desired online.
package leasestore

import (
	"fmt"
	"sync"

	"github.com/shuthost/shuthost/internal/pubsub"
)

// SourceKind distinguishes the two kinds of lease holder.
type SourceKind string

const (
	SourceWeb    SourceKind = "web"
	SourceClient SourceKind = "client"
)

// Source is a tagged lease holder: either the singleton web interface, or a
// named client. Equality is structural, so it is directly usable as a map key.
type Source struct {
	Kind SourceKind
	Name string
}

// WebInterface is the singleton web-UI lease source.
func WebInterface() Source { return Source{Kind: SourceWeb} }

// Client identifies a named M2M client as a lease source.
func Client(name string) Source { return Source{Kind: SourceClient, Name: name} }

func (s Source) String() string {
	if s.Kind == SourceWeb {
		return "web"
	}
	return "client:" + s.Name
}

// Snapshot is an immutable host -> lease-set view. Callers must never
// mutate the inner sets; Store always hands out fresh copies.
type Snapshot map[string]map[Source]struct{}

// DesiredOnline reports whether host has any lease at all.
func (s Snapshot) DesiredOnline(host string) bool {
	return len(s[host]) > 0
}

// Durable is the optional persistence mirror a Store may be backed by.
// Implementations must be safe for concurrent use.
type Durable interface {
	InsertLease(host string, source Source) error
	DeleteLease(host string, source Source) error
	DeleteClientLeases(name string) error
	LoadLeases() (Snapshot, error)
}

// Store is the in-memory lease-set map with write serialization and
// optional durable mirroring.
type Store struct {
	mu      sync.Mutex
	leases  map[string]map[Source]struct{}
	durable Durable

	snapshots *pubsub.Broadcaster[Snapshot]
}

// New creates an empty Store, optionally backed by a durable mirror. If
// durable is non-nil its full lease table is loaded before New returns.
func New(durable Durable) (*Store, error) {
	leases := map[string]map[Source]struct{}{}

	if durable != nil {
		loaded, err := durable.LoadLeases()
		if err != nil {
			return nil, fmt.Errorf("load leases from durable store: %w", err)
		}
		for host, set := range loaded {
			leases[host] = cloneSet(set)
		}
	}

	s := &Store{
		leases:    leases,
		durable:   durable,
		snapshots: pubsub.NewWithValue(cloneSnapshot(leases)),
	}
	return s, nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() Snapshot {
	snap, _ := s.snapshots.Current()
	return snap
}

// Subscribe registers for lease-snapshot publishes.
func (s *Store) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return s.snapshots.Subscribe(buffer)
}

// Add grants host a lease from source. Idempotent: adding an already-held
// lease is a no-op that still republishes (callers rely on "add always
// triggers a reconcile look").
func (s *Store) Add(host string, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.InsertLease(host, source); err != nil {
			return fmt.Errorf("persist lease: %w", err)
		}
	}

	set, ok := s.leases[host]
	if !ok {
		set = map[Source]struct{}{}
		s.leases[host] = set
	}
	set[source] = struct{}{}

	s.publishLocked()
	return nil
}

// Remove revokes host's lease from source. Idempotent.
func (s *Store) Remove(host string, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.DeleteLease(host, source); err != nil {
			return fmt.Errorf("persist lease removal: %w", err)
		}
	}

	if set, ok := s.leases[host]; ok {
		delete(set, source)
		if len(set) == 0 {
			delete(s.leases, host)
		}
	}

	s.publishLocked()
	return nil
}

// PurgeClient removes every lease held by the named client, across all
// hosts. Used when a client is removed from config, and for the explicit
// "reset client leases" operation.
func (s *Store) PurgeClient(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.DeleteClientLeases(name); err != nil {
			return fmt.Errorf("persist client purge: %w", err)
		}
	}

	source := Client(name)
	for host, set := range s.leases {
		delete(set, source)
		if len(set) == 0 {
			delete(s.leases, host)
		}
	}

	s.publishLocked()
	return nil
}

func (s *Store) publishLocked() {
	s.snapshots.Publish(cloneSnapshot(s.leases))
}

func cloneSnapshot(m map[string]map[Source]struct{}) Snapshot {
	out := make(Snapshot, len(m))
	for host, set := range m {
		out[host] = cloneSet(set)
	}
	return out
}

func cloneSet(set map[Source]struct{}) map[Source]struct{} {
	out := make(map[Source]struct{}, len(set))
	for s := range set {
		out[s] = struct{}{}
	}
	return out
}
