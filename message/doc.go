// Package message models the opaque, routed unit of IPC exchanged over a GPU
// channel, along with the small set of control payloads the channel itself
// understands.
//
// Everything else is carried as an opaque payload, with a Type at or above
// TypeUser.
package message
