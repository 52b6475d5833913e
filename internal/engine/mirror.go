package engine

import (
	"sync/atomic"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/watch"
)

// MirrorState is one immutable view of a target. The engine replaces it
// wholesale on every snapshot; callers must not modify Docs or Doc.Fields.
type MirrorState struct {
	// Loaded is set once any snapshot (data or error) has arrived.
	Loaded bool
	// Exists is set for a single-document mirror whose document is present.
	Exists bool
	Doc    remote.Document
	Docs   []remote.Document
	// Err is the most recent subscription error, cleared by the next data snapshot.
	Err error
	// SeedErr is set when seeding this empty target failed. The next empty
	// snapshot retries the seed.
	SeedErr error
	// Version is the engine clock value of the apply that produced this state.
	Version int64
}

// Mirror is the local copy of one watched target. Only the engine writes it.
type Mirror struct {
	spec   watch.Spec
	target remote.Target
	state  atomic.Pointer[MirrorState]

	// seedDone is set once the engine has decided whether to seed.
	seedDone atomic.Bool
}

func newMirror(spec watch.Spec, target remote.Target) *Mirror {
	m := &Mirror{spec: spec, target: target}
	m.state.Store(&MirrorState{})
	return m
}

// Spec returns the specification this mirror follows.
func (m *Mirror) Spec() watch.Spec { return m.spec }

// Target returns the resolved remote target, nil if resolution failed.
func (m *Mirror) Target() remote.Target { return m.target }

// State returns the current state.
func (m *Mirror) State() MirrorState { return *m.state.Load() }

// Fields returns the single document's fields.
func (m *Mirror) Fields() (doc.Object, bool) {
	s := m.state.Load()
	if !s.Exists {
		return nil, false
	}
	return s.Doc.Fields, true
}

// Docs returns the mirrored documents in arrival order.
func (m *Mirror) Docs() []remote.Document {
	return m.state.Load().Docs
}

// Empty reports whether the mirror holds no data.
func (m *Mirror) Empty() bool {
	s := m.state.Load()
	return !s.Exists && len(s.Docs) == 0
}

// AwaitingSeed reports whether the engine may still seed this mirror's
// empty target.
func (m *Mirror) AwaitingSeed() bool {
	return m.spec.SeedPolicy() == watch.SeedIfEmpty && !m.seedDone.Load() && m.Empty()
}

func (m *Mirror) swap(s *MirrorState) { m.state.Store(s) }
