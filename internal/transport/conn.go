// Package transport decouples routing from any particular client transport.
// The router only sees an opaque connection handle with redirect and kick
// capabilities; the WebSocket listener below is one implementation.
package transport

// KickReason is a distinguishable code sent to a client that is being
// forcibly terminated. A kick is never a silent drop: routing treats
// impossible client state as a security boundary and says why.
type KickReason string

const (
	// KickUnknownAccount - no account-to-character mapping existed after
	// authentication, which a correct client cannot produce
	KickUnknownAccount KickReason = "unknown_account"

	// KickCorruptRoutingState - character flags reference data that cannot
	// exist under correct client behavior
	KickCorruptRoutingState KickReason = "corrupt_routing_state"

	// KickRoutingUnavailable - routing state could not be resolved at all
	KickRoutingUnavailable KickReason = "routing_unavailable"

	// KickServerShutdown - the process is draining
	KickServerShutdown KickReason = "server_shutdown"
)

// Conn is the opaque connection handle the router works with
type Conn interface {
	// ID is a process-unique connection identifier
	ID() int64

	// RemoteAddr returns the peer address for logging
	RemoteAddr() string

	// Redirect tells the client which Scene server to connect to next.
	// The client is expected to drop this connection afterwards.
	Redirect(address string, port uint16) error

	// Kick terminates the connection with a reason code
	Kick(reason KickReason) error

	// Close tears the connection down without a reason payload
	Close() error
}
