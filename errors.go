package raknet

import (
	"errors"
	"fmt"
)

// Kind classifies a ProtocolError so callers can branch on the failure mode
// without string matching, per the error taxonomy of the transport's
// propagation policy: misuse errors, handshake/teardown errors, and the two
// errors that are never surfaced verbatim to callers (parse errors are
// swallowed at the recv-dispatch boundary).
type Kind int

const (
	// KindNotListening means an operation requiring a bound socket was
	// attempted on a Listener that has been closed (Accept after Close).
	KindNotListening Kind = iota
	// KindAlreadyConnected means Connect was called on a Connection that has
	// already completed or is performing a handshake.
	KindAlreadyConnected
	// KindNotConnected means Send/Recv was attempted before the handshake
	// reached Connected.
	KindNotConnected
	// KindConnectionTimeout means a handshake deadline elapsed.
	KindConnectionTimeout
	// KindConnectionClosed means the peer disconnected or the local loss
	// threshold was exceeded.
	KindConnectionClosed
	// KindIncompatibleProtocol means the peer's protocol version did not
	// match ours in OpenConnectionReply1.
	KindIncompatibleProtocol
	// KindPacketParse means a datagram failed to parse. Never surfaced to
	// the application; logged and dropped at the recv-dispatch boundary.
	KindPacketParse
	// KindIO means the underlying socket failed. Fatal for the connection.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotListening:
		return "not listening"
	case KindAlreadyConnected:
		return "already connected"
	case KindNotConnected:
		return "not connected"
	case KindConnectionTimeout:
		return "connection timeout"
	case KindConnectionClosed:
		return "connection closed"
	case KindIncompatibleProtocol:
		return "incompatible protocol"
	case KindPacketParse:
		return "packet parse error"
	case KindIO:
		return "io error"
	default:
		return "unknown error"
	}
}

// ProtocolError is the error type surfaced across the Connection/Listener
// public API. It wraps an underlying cause (if any) and tags it with a Kind
// so callers can use errors.As to recover the classification.
type ProtocolError struct {
	Kind  Kind
	Peer  string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		if e.Peer != "" {
			return fmt.Sprintf("raknet: %s (peer %s): %v", e.Kind, e.Peer, e.cause)
		}
		return fmt.Sprintf("raknet: %s: %v", e.Kind, e.cause)
	}
	if e.Peer != "" {
		return fmt.Sprintf("raknet: %s (peer %s)", e.Kind, e.Peer)
	}
	return fmt.Sprintf("raknet: %s", e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// Is reports equality by Kind, so errors.Is(err, &ProtocolError{Kind: KindConnectionClosed}) works.
func (e *ProtocolError) Is(target error) bool {
	other, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newErr(kind Kind, peer string, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Peer: peer, cause: cause}
}

// Sentinel parse errors returned by the codec. On a Connection they are
// logged and dropped at the recv-dispatch boundary; Ping returns them
// unwrapped when the server's pong fails to parse.
var (
	ErrUnsupportedID = errors.New("raknet: unsupported packet id")
	ErrTruncated     = errors.New("raknet: truncated packet")
	ErrBadMagic      = errors.New("raknet: bad magic")
	ErrPacketParse   = errors.New("raknet: packet parse error")
)

// IsClosed reports whether err indicates the connection is closed, either
// because the peer disconnected or because the local loss threshold tripped.
func IsClosed(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind == KindConnectionClosed
	}
	return false
}
