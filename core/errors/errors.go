// Package errors holds the failure classes shared by the escrow engine and the
// dispute market. Callers wrap them with context and match with errors.Is.
package errors

import stderrors "errors"

var (
	ErrUnauthorized        = stderrors.New("unauthorized caller")
	ErrInvalidState        = stderrors.New("invalid state")
	ErrInvalidAmount       = stderrors.New("invalid amount")
	ErrWindow              = stderrors.New("outside action window")
	ErrAlreadyClaimed      = stderrors.New("already claimed")
	ErrNotWinningSide      = stderrors.New("not on winning side")
	ErrNotFound            = stderrors.New("not found")
	ErrInsufficientBalance = stderrors.New("insufficient balance")
	ErrInvalidArgument     = stderrors.New("invalid argument")
)

var classes = []struct {
	err  error
	name string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidState, "invalid_state"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrWindow, "window"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrNotWinningSide, "not_winning_side"},
	{ErrNotFound, "not_found"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInvalidArgument, "invalid_argument"},
}

// Class returns a stable label for the failure class wrapped by err, or
// "internal" when err matches none of them.
func Class(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		if stderrors.Is(err, c.err) {
			return c.name
		}
	}
	return "internal"
}
