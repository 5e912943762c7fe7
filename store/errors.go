package store

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is a unique-constraint violation. Callers treat it as an
// idempotency hit, not a failure: the record already exists, so the work
// was already done (or is being done) by another path.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrAlreadyProcessed is returned by MarkMessageProcessed when processed_at
// is already set. An inbound message is processed by at most one run.
var ErrAlreadyProcessed = errors.New("message already processed")

// ErrProposalTerminal is returned when mutating a proposal whose status is
// terminal (EXECUTED, DISMISSED, CANCELLED, FAILED, or SUPERSEDED for
// approval purposes).
var ErrProposalTerminal = errors.New("proposal is terminal")

// mapSQLiteErr converts driver unique-constraint failures into
// ErrDuplicateKey so callers can errors.Is on a single sentinel. The
// modernc driver formats these as "constraint failed: UNIQUE ...".
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE") {
		return ErrDuplicateKey
	}
	return err
}
