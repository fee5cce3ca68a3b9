package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrInvalidSide        = errors.New("invalid side")
	ErrBettingClosed      = errors.New("betting closed")
	ErrNotYetExpired      = errors.New("game not yet expired")
	ErrNotRunning         = errors.New("game not running")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrNoWinningStake     = errors.New("no stake on winning side")
	ErrNotWithdrawable    = errors.New("position not withdrawable")
	ErrTransferFailure    = errors.New("value transfer failed")
	ErrOracleFailure      = errors.New("oracle read failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
)

// Refinements of ErrNotWithdrawable. errors.Is matches both the refinement
// and ErrNotWithdrawable.
var (
	ErrAlreadySettled = fmt.Errorf("%w: already settled", ErrNotWithdrawable)
	ErrWrongSide      = fmt.Errorf("%w: wrong side", ErrNotWithdrawable)
)

// CollaboratorError keeps a collaborator's error verbatim while tagging it
// with the kind the engine reports (ErrTransferFailure or ErrOracleFailure).
type CollaboratorError struct {
	Kind error
	Op   string
	Err  error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches the tagged kind.
func (e *CollaboratorError) Is(target error) bool { return target == e.Kind }

// Unwrap returns the collaborator's original error.
func (e *CollaboratorError) Unwrap() error { return e.Err }

// TransferFailed tags err as an ErrTransferFailure raised by op.
func TransferFailed(op string, err error) error {
	return &CollaboratorError{Kind: ErrTransferFailure, Op: op, Err: err}
}

// OracleFailed tags err as an ErrOracleFailure raised by op.
func OracleFailed(op string, err error) error {
	return &CollaboratorError{Kind: ErrOracleFailure, Op: op, Err: err}
}
