// Package apperr holds the failure taxonomy shared by the gateway, the sync
// controller and the sharing workflow.
package apperr

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Kind string

const (
	KindValidationFailed   Kind = "validation_failed"
	KindUnauthorized       Kind = "unauthorized"
	KindNotOwner           Kind = "not_owner"
	KindGranteeNotFound    Kind = "grantee_not_found"
	KindSelfShareRejected  Kind = "self_share_rejected"
	KindRemoteRejected     Kind = "remote_rejected"
	KindNetworkUnavailable Kind = "network_unavailable"
)

// Kind sentinels. errors.Is matches any *Error of the same kind.
var (
	ErrValidationFailed   = &Error{Kind: KindValidationFailed}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrNotOwner           = &Error{Kind: KindNotOwner}
	ErrGranteeNotFound    = &Error{Kind: KindGranteeNotFound}
	ErrSelfShareRejected  = &Error{Kind: KindSelfShareRejected}
	ErrRemoteRejected     = &Error{Kind: KindRemoteRejected}
	ErrNetworkUnavailable = &Error{Kind: KindNetworkUnavailable}
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func Validation(op, msg string) *Error {
	return New(KindValidationFailed, op, msg)
}

// Remote classifies a failure coming back from a remote boundary. Errors that
// already carry a kind keep it; transport failures become network_unavailable
// and everything else is treated as a rejection by the store.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	if IsNetwork(err) {
		return Wrap(KindNetworkUnavailable, op, err)
	}
	return Wrap(KindRemoteRejected, op, err)
}

func IsNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// KindOf returns the taxonomy kind of err, or "" for nil and unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsNetwork(err) {
		return KindNetworkUnavailable
	}
	return ""
}
