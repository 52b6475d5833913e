package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors reported through OnError.
type ErrorCode string

const (
	// ErrCodeSubscription indicates a subscription delivered an error instead of data.
	ErrCodeSubscription ErrorCode = "SUBSCRIPTION_FAILED"

	// ErrCodeSeedWrite indicates seeding an empty target failed.
	ErrCodeSeedWrite ErrorCode = "SEED_WRITE_FAILED"
)

// SubscriptionError reports a failed subscription for one spec.
// The mirror keeps its last-known value and the spec still counts toward readiness.
type SubscriptionError struct {
	Spec string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s: subscription %s: %v", ErrCodeSubscription, e.Spec, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Code returns ErrCodeSubscription.
func (e *SubscriptionError) Code() ErrorCode { return ErrCodeSubscription }

// SeedWriteError reports a failed seed write. The mirror stays empty.
type SeedWriteError struct {
	Spec string
	Err  error
}

func (e *SeedWriteError) Error() string {
	return fmt.Sprintf("%s: seed %s: %v", ErrCodeSeedWrite, e.Spec, e.Err)
}

func (e *SeedWriteError) Unwrap() error { return e.Err }

// Code returns ErrCodeSeedWrite.
func (e *SeedWriteError) Code() ErrorCode { return ErrCodeSeedWrite }

// IsSubscriptionError returns true if err wraps a *SubscriptionError.
func IsSubscriptionError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se)
}

// IsSeedWriteError returns true if err wraps a *SeedWriteError.
func IsSeedWriteError(err error) bool {
	var se *SeedWriteError
	return errors.As(err, &se)
}
