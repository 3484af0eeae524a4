package flower

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind classifies codec failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformed: the reply is too short to carry a tcmsg.
	KindMalformed
	// KindProtocol: an attribute is missing, truncated or out of order.
	KindProtocol
	// KindUnsupported: the rule or reply uses something this codec cannot
	// express.
	KindUnsupported
	// KindInvariant: the data violates a rule of the format itself, such as
	// mismatched tunnel option shapes or dangling checksum obligations.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Errno is the errno a netlink peer would have used for the same failure.
func (k Kind) Errno() unix.Errno {
	switch k {
	case KindMalformed, KindProtocol:
		return unix.EPROTO
	case KindUnsupported:
		return unix.EOPNOTSUPP
	case KindInvariant:
		return unix.EINVAL
	default:
		return unix.EIO
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrNoHandle is returned for a reply that does not carry a filter handle
	// yet; the caller may retry.
	ErrNoHandle = errors.New("filter handle not assigned")
	// ErrPolicerPriority marks a reply on the priority reserved for meter
	// policers; it holds no flower rule.
	ErrPolicerPriority = errors.New("filter on reserved policer priority")
	// ErrTunnelOptLength is the bad length error of tunnel option shape
	// checks.
	ErrTunnelOptLength = errors.New("bad tunnel option length")
)

func newError(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

func wrapError(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
