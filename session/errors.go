package session

import (
	"errors"
)

var (
	// ErrSessionNotReady is returned when an operation requires an
	// established session that does not exist yet.
	ErrSessionNotReady = errors.New("session: session not established")

	// ErrUntrustedPeer is returned when a request is sent on an
	// established session whose ENR endpoint does not match the
	// observed source address.
	ErrUntrustedPeer = errors.New("session: peer endpoint not verified")

	// ErrNoEndpoint is returned when a destination ENR carries no
	// usable UDP endpoint.
	ErrNoEndpoint = errors.New("session: ENR has no UDP endpoint")

	// ErrInvalidRecord is returned when a destination ENR is missing
	// required fields.
	ErrInvalidRecord = errors.New("session: invalid ENR record")

	// ErrKeyMismatch is returned at construction when the local key
	// does not match the local ENR's public key.
	ErrKeyMismatch = errors.New("session: local key does not match ENR public key")

	// ErrServiceStopped is returned for operations on a stopped
	// service.
	ErrServiceStopped = errors.New("session: service stopped")
)
