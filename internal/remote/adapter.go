package remote

import (
	"context"
	"errors"

	"github.com/roach88/pushdash/internal/doc"
)

// Adapter is the only way the core reaches the document store.
//
// Thread-safety: implementations are safe for concurrent use. Subscription
// callbacks run on adapter-owned goroutines, serially per subscription.
type Adapter interface {
	// Subscribe delivers the target's current snapshot, then a new full
	// snapshot after every committed change that can affect it.
	Subscribe(ctx context.Context, target Target, fn func(Snapshot)) (Subscription, error)

	// Get returns ErrNotFound for a missing document.
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, fields doc.Object) error
	// Update merges top-level fields and returns ErrNotFound for a missing document.
	Update(ctx context.Context, collection, id string, partial doc.Object) error
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction runs fn atomically. Either every write fn made is
	// committed or none is; failures are returned as *TransactionError.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// RunBatch applies every write atomically.
	RunBatch(ctx context.Context, writes []Write) error

	// NewID returns a fresh document id.
	NewID() string
}

// Subscription is a live subscription handle.
type Subscription interface {
	// Unsubscribe stops future deliveries. A delivery already running may still complete.
	Unsubscribe()
}

// Tx is the view of the store inside a transaction.
// All reads must precede the first write (ErrReadAfterWrite otherwise).
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, target CollectionTarget) ([]Document, error)

	Set(collection, id string, fields doc.Object) error
	// Create fails with ErrAlreadyExists if the document exists.
	Create(collection, id string, fields doc.Object) error
	Update(collection, id string, partial doc.Object) error
	Delete(collection, id string) error
}

// MaxTransactionAttempts bounds conflict retries for optimistic backends.
const MaxTransactionAttempts = 5

// RetryConflicts runs attempt until it succeeds, fails with something other
// than ErrConflict, or MaxTransactionAttempts is reached.
func RetryConflicts(ctx context.Context, attempt func() error) error {
	var err error
	for i := 0; i < MaxTransactionAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = attempt()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
