package config

import "fmt"

// Error is a configuration failure: a malformed document, an invalid value or
// an unresolved secret. It is fatal before any server or command starts.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field == "" && e.Err != nil:
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	case e.Field == "":
		return "config: " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(field, msg string) *Error {
	return &Error{Field: field, Msg: msg}
}

func wrapError(field, msg string, err error) *Error {
	return &Error{Field: field, Msg: msg, Err: err}
}
