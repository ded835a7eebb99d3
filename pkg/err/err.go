package errprocess

import (
	"errors"
	"fmt"

	"dm_service/pkg/logger"

	"go.uber.org/zap"
)

// Kind classify an error for the caller
type Kind string

const (
	// KindStore store read/write failed
	KindStore Kind = "store"
	// KindTransport realtime transport failed, recovered locally
	KindTransport Kind = "transport"
	// KindPermission caller is not a participant / not the owner
	KindPermission Kind = "permission"
	// KindNotFound entity does not exist
	KindNotFound Kind = "not_found"
	// KindConflict unique write raced with another writer
	KindConflict Kind = "conflict"
	// KindValidation bad input
	KindValidation Kind = "validation"
)

// Error typed error with operation name
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errprocess.Permission) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// kind sentinels for errors.Is
var (
	Store      = &Error{Kind: KindStore}
	Transport  = &Error{Kind: KindTransport}
	Permission = &Error{Kind: KindPermission}
	NotFound   = &Error{Kind: KindNotFound}
	Conflict   = &Error{Kind: KindConflict}
	Validation = &Error{Kind: KindValidation}
)

// New wrap err with kind and op
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf build a typed error from a message
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf return the kind of err, "" when err is not typed
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Log warn about a failure the caller recovers from, tagged with kind and op when
// err is typed. A nil l logs through logger.Log. Returns err unchanged.
func Log(l *logger.LogInfo, msg string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if l == nil {
		l = logger.Log
	}
	var e *Error
	if errors.As(err, &e) {
		fields = append(fields, zap.String("kind", string(e.Kind)), zap.String("op", e.Op))
	}
	l.Warn(msg, append(fields, zap.Error(err))...)
	return err
}
