package services

import "errors"

var (
	ErrRuleNotFound = errors.New("automation rule not found")
	ErrInvalidRule  = errors.New("invalid automation rule")
)

// permanentError marks a job failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a permanent job failure.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
