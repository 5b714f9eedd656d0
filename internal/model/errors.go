package model

import "errors"

// PermanentError marks a business failure that retrying cannot fix:
// out of stock, invalid session, rejected coupon. Retry loops stop on it
// immediately instead of burning their attempt budget.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

var (
	ErrOutOfStock     = Permanent("product out of stock")
	ErrInvalidSession = Permanent("session invalid or expired")
)
