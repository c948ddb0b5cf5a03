// Package faults classifies the failures a stream can run into so that the
// lifecycle manager can decide between retrying, resyncing and giving up.
package faults

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy bucket of a fault.
type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	ProtocolViolation
	SequenceGap
	StorageUnavailable
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case ProtocolViolation:
		return "protocol_violation"
	case SequenceGap:
		return "sequence_gap"
	case StorageUnavailable:
		return "storage_unavailable"
	case InvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

var (
	_ error = (*Fault)(nil)

	// ErrDisconnected marks a venue connection that dropped.
	ErrDisconnected = stderrors.New("venue disconnected")
)

// Fault is a classified error raised by one operation.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a fault carrying a stack trace.
func New(kind Kind, op, msg string) error {
	return &Fault{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if stderrors.As(err, &f) && f.Kind == kind {
		return err
	}
	return &Fault{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Disconnected reports a lost venue connection caused by err.
func Disconnected(op string, err error) error {
	if err == nil {
		return &Fault{Kind: TransientNetwork, Op: op, Err: errors.WithStack(ErrDisconnected)}
	}
	return &Fault{Kind: TransientNetwork, Op: op, Err: errors.WithStack(fmt.Errorf("%w: %v", ErrDisconnected, err))}
}

// KindOf returns the kind of the outermost fault in err's chain.
func KindOf(err error) Kind {
	var f *Fault
	if stderrors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Protocol reports a venue message that broke the wire contract.
func Protocol(op string, err error) error {
	return Wrap(ProtocolViolation, op, err)
}
