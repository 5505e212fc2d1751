// Package onetunerrors models the error taxonomy: config/startup failures
// that should abort the process, versus the steady-state classes that get
// logged and absorbed so one bad flow or packet can't take the tunnel down.
package onetunerrors

import (
	"errors"
	"fmt"
)

// Sentinel values for errors.Is checks. Wrap them with %w rather than
// constructing new error types per call site.
var (
	// Config covers malformed flags, config files, or key material. The
	// CLI exits with status 1 on this class.
	Config = errors.New("config error")

	// Stack covers the embedded TCP/IP stack rejecting a packet or
	// refusing to create or bind an endpoint.
	Stack = errors.New("stack error")

	// Flow covers one proxied connection or datagram association
	// breaking (reset, EOF, refused connect, exhausted virtual ports).
	// Isolated to that one flow; never propagated past the flow's own
	// goroutines.
	Flow = errors.New("flow error")
)

// Configf wraps a formatted message with the Config sentinel.
func Configf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(Config))...)
}

// Stackf wraps a formatted message with the Stack sentinel.
func Stackf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(Stack))...)
}

// Flowf wraps a formatted message with the Flow sentinel.
func Flowf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(Flow))...)
}
