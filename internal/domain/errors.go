package domain

import "errors"

// ErrInvalid is wrapped by validation failures in this package.
var ErrInvalid = errors.New("domain: invalid value")

func errInvalid(msg string) error {
	return &invalidError{msg: msg}
}

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return "domain: " + e.msg }

func (e *invalidError) Unwrap() error { return ErrInvalid }
