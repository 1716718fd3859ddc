package service

import (
	"errors"
)

var (
	// ErrChannelDestroyed is returned by operations on a destroyed channel.
	ErrChannelDestroyed = errors.New(`service: channel destroyed`)

	// ErrNotInitialized is returned by operations requiring an endpoint,
	// before Channel.Init.
	ErrNotInitialized = errors.New(`service: channel not initialized`)

	// ErrChannelExists is returned by Manager.EstablishChannel, for a client
	// id already in use.
	ErrChannelExists = errors.New(`service: channel already exists`)

	// ErrManagerDestroyed is returned by a destroyed Manager.
	ErrManagerDestroyed = errors.New(`service: manager destroyed`)
)

// Command buffer creation failures.
var (
	ErrNoStubFactory      = errors.New(`service: no stub factory`)
	ErrInvalidShareGroup  = errors.New(`service: invalid share group id`)
	ErrStreamMismatch     = errors.New(`service: stream id does not match share group`)
	ErrSharedContextLost  = errors.New(`service: shared context was already lost`)
	ErrInvalidPriority    = errors.New(`service: invalid stream priority`)
	ErrPriorityNotAllowed = errors.New(`service: high priority stream not allowed on a non-privileged channel`)
	ErrRouteExists        = errors.New(`service: route already exists`)
)
