package ledger

import "errors"

// Outcome tags the expected results of a balance-affecting request so that
// callers branch on a value instead of inspecting errors.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeAccountNotFound   Outcome = "account_not_found"
)

// OutcomeFromError maps an expected failure onto its Outcome. The second
// return is false for errors that are not expected outcomes.
func OutcomeFromError(err error) (Outcome, bool) {
	switch {
	case err == nil:
		return OutcomeOK, true
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds, true
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeAccountNotFound, true
	}
	return "", false
}

// Err converts a non-OK outcome back into its sentinel error
func (o Outcome) Err() error {
	switch o {
	case OutcomeInsufficientFunds:
		return ErrInsufficientFunds
	case OutcomeAccountNotFound:
		return ErrAccountNotFound
	}
	return nil
}
