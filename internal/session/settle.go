package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pushdash/internal/engine"
	"github.com/roach88/pushdash/internal/remote"
)

// ErrNotQueryable is returned by Settle when the adapter cannot evaluate
// targets directly.
var ErrNotQueryable = errors.New("session: adapter cannot query targets")

const settlePoll = 5 * time.Millisecond

// Settle waits until every mirror holds exactly what the store holds for its
// target and no spec still has a seed decision pending. Useful after a write, when a caller
// wants to read its own effect back from the dashboard.
func (s *Session) Settle(ctx context.Context) error {
	q, ok := s.client.(remote.Querier)
	if !ok {
		return ErrNotQueryable
	}
	if err := s.WaitReady(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		done, err := s.settled(ctx, q)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: mirrors did not settle: %w", ctx.Err())
		case <-s.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

func (s *Session) settled(ctx context.Context, q remote.Querier) (bool, error) {
	for _, m := range s.engine.Mirrors() {
		target := m.Target()
		// Degraded mirrors are reported through Faults, not waited on.
		if st := m.State(); target == nil || st.Err != nil || st.SeedErr != nil {
			continue
		}
		if m.AwaitingSeed() {
			return false, nil
		}
		want, err := q.QueryTarget(ctx, target)
		if err != nil {
			return false, fmt.Errorf("session: settle %s: %w", m.Spec().Name(), err)
		}
		if !sameDocs(mirrored(m.State()), want) {
			return false, nil
		}
	}
	return true, nil
}

func mirrored(st engine.MirrorState) []remote.Document {
	if st.Exists {
		return []remote.Document{st.Doc}
	}
	return st.Docs
}

func sameDocs(a, b []remote.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Collection != b[i].Collection || a[i].ID != b[i].ID || a[i].Version != b[i].Version {
			return false
		}
	}
	return true
}
