package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/config"
	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
	"github.com/roach88/pushdash/internal/session"
	"github.com/roach88/pushdash/internal/testutil"
	"github.com/roach88/pushdash/internal/watch"
)

// DefaultTimeout bounds a whole scenario run.
const DefaultTimeout = 10 * time.Second

// adminActor performs setup steps.
var adminActor = callable.Actor{ID: "harness-admin", Role: watch.RoleAdmin}

// Harness holds the fixtures of one scenario run.
type Harness struct {
	store   *memory.Store
	session *session.Session
	admin   *callable.Service
	clock   *testutil.FakeClock
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory store with a fake clock and
// sequential ids. An error is returned when the run itself could not be
// carried out; failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return RunContext(ctx, scenario)
}

// RunContext is Run with a caller-supplied deadline.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	start, err := scenario.start()
	if err != nil {
		return nil, err
	}
	loc, err := scenario.location()
	if err != nil {
		return nil, err
	}
	rules, err := config.Default().SessionRules()
	if err != nil {
		return nil, err
	}
	rules.Location = loc

	ids := testutil.NewSequenceGenerator("id")
	store := memory.New(memory.WithIDGenerator(ids))
	defer store.Close()

	for i, d := range scenario.Documents {
		fields, err := doc.ObjectFromAny(d.Fields)
		if err != nil {
			return nil, fmt.Errorf("documents[%d]: %w", i, err)
		}
		store.Seed(d.Collection, remote.Document{ID: d.ID, Fields: fields})
	}

	clock := testutil.NewFakeClock(start)
	sess, err := session.Open(ctx, store,
		session.Identity{ID: scenario.Identity, Role: watch.Role(scenario.Role)},
		rules,
		session.WithClock(clock),
		session.WithIDGenerator(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	h := &Harness{
		store:   store,
		session: sess,
		admin: callable.NewService(store,
			callable.WithNow(clock.Now),
			callable.WithIDGenerator(ids),
			callable.WithDefaults(rules.Settings),
		),
		clock:  clock,
		logger: slog.Default(),
	}
	if err := sess.Settle(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Setup {
		if _, err := h.execute(ctx, step, true); err != nil {
			return nil, fmt.Errorf("setup[%d] %s: %w", i, step.Action, err)
		}
		if err := sess.Settle(ctx); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		res, stepErr := h.execute(ctx, step, false)
		if err := sess.Settle(ctx); err != nil {
			return nil, err
		}
		event := TraceEvent{
			Step:    i + 1,
			Action:  step.Action,
			Args:    step.Args,
			Outcome: Outcome(stepErr),
			Result:  res,
		}
		result.Trace = append(result.Trace, event)
		h.logger.Debug("scenario step",
			"scenario", scenario.Name,
			"step", event.Step,
			"action", event.Action,
			"outcome", event.Outcome,
		)
		checkExpect(result, i, step, event, stepErr)
	}

	result.Dashboard = sess.Dashboard()
	for _, msg := range h.evaluate(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func checkExpect(result *Result, i int, step Step, event TraceEvent, stepErr error) {
	if step.Expect == nil {
		if stepErr != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected outcome %s: %v", i, step.Action, event.Outcome, stepErr))
		}
		return
	}
	if event.Outcome != step.Expect.Outcome {
		msg := fmt.Sprintf("flow[%d] %s: expected outcome %s, got %s", i, step.Action, step.Expect.Outcome, event.Outcome)
		if stepErr != nil {
			msg += fmt.Sprintf(" (%v)", stepErr)
		}
		result.AddError(msg)
		return
	}
	if len(step.Expect.Result) > 0 && !subsetMatch(plain(event.Result), plain(step.Expect.Result)) {
		result.AddError(fmt.Sprintf("flow[%d] %s: result %v does not match %v", i, step.Action, event.Result, step.Expect.Result))
	}
}
