package domain

import "errors"

var (
	// ErrTaskNotFound / ErrRunnerNotFound are returned by store adapters for
	// missing records.
	ErrTaskNotFound   = errors.New("task not found")
	ErrRunnerNotFound = errors.New("runner not found")

	// ErrConflict means a compare-and-set on the task's assignment state lost
	// to a concurrent writer. Callers re-read and decide whether the new state
	// is already a valid outcome.
	ErrConflict = errors.New("task modified concurrently")

	// ErrNotOfferHolder means the acting runner does not hold the pending
	// offer for the task.
	ErrNotOfferHolder = errors.New("runner does not hold the pending offer")

	// ErrOfferExpired means the decision window elapsed before the runner
	// accepted. Expiry dominates a late accept.
	ErrOfferExpired = errors.New("offer expired")

	// ErrTaskClosed means the task already reached a terminal status.
	ErrTaskClosed = errors.New("task already in a terminal status")

	// ErrDispatchFailed means the delivery collaborator failed after the
	// single retry; the assignment was rolled back.
	ErrDispatchFailed = errors.New("offer dispatch failed")

	// ErrVerificationFailed means a dispatch reported success but the
	// persisted task state did not match the intended assignment. This points
	// at a consistency bug, not a normal failure path.
	ErrVerificationFailed = errors.New("post-dispatch verification failed")
)
