package model

import (
	"errors"
	"fmt"
)

// Failure classes for a reconciliation cycle. Wrapping preserves the
// underlying cause; errors.Is against these sentinels decides the policy
// (deactivate, retry, record permanent failure, or skip the cycle).
var (
	// ErrAuth means the user's credential is missing, expired, or revoked.
	// Not retryable within a cycle; repeated cycles deactivate the user.
	ErrAuth = errors.New("calendar auth failed")

	// ErrTransient covers network and rate-limit failures. Retried with
	// backoff, then the unit of work is deferred to the next cycle.
	ErrTransient = errors.New("transient failure")

	// ErrPermanentDelivery means the recipient is unreachable for good
	// (e.g. the user blocked the bot). Never retried.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

func AuthErr(err error) error {
	return fmt.Errorf("%w: %w", ErrAuth, err)
}

func TransientErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func PermanentDeliveryErr(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanentDelivery, err)
}

func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsPermanentDelivery(err error) bool { return errors.Is(err, ErrPermanentDelivery) }
