package replsim

import (
	"fmt"

	"github.com/pkg/errors"
)

// NetworkError indicates that a message could not be sent because the
// connection between two nodes is offline or does not exist. It is always
// recoverable: senders translate it into their protocol specific drop path.
type NetworkError struct {
	Source string
	Target string
	Reason string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error %s -> %s: %s", e.Source, e.Target, e.Reason)
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// AccessError indicates a violation of the access lifecycle contract, such
// as completing an access twice or writing without a name. These are logic
// bugs and terminate the run rather than being retried.
type AccessError struct {
	Op     string
	Access string
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access error in %s of %s: %s", e.Op, e.Access, e.Reason)
}

// ProtocolError indicates that an RPC arrived while the receiving replica
// was in a state the protocol does not define a handler for. It signals a
// missed case in a state machine and aborts the run.
type ProtocolError struct {
	Replica string
	State   string
	RPC     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s received %s in unhandled state %q", e.Replica, e.RPC, e.State)
}

// UnknownTypeError indicates a bad enumeration lookup at configuration or
// load time.
type UnknownTypeError struct {
	Kind  string
	Value string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Kind, e.Value)
}
