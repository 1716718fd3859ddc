// Package service implements the service side of GPU channels.
//
// A Manager owns one Channel per client. Each Channel attaches a
// MessageFilter to its transport endpoint, which classifies inbound
// messages on the endpoint's I/O loop (see Classify):
//
//   - Nop requests are answered immediately, on the I/O loop.
//   - Control messages, and waits on command buffer progress, are posted to
//     the main runner out of order.
//   - Everything else is queued in order, on the channel's
//     preemption.Queue, or on the scheduler sequence for its stream.
//
// Stubs, created by a StubFactory in response to TypeCreateCommandBuffer,
// only ever run on the main runner. A stub that yields, or deschedules
// itself, keeps its message at the head of the queue until it resumes.
//
// Channel.Destroy detaches the filter before anything else, so no message
// reaches a stub once it has been destroyed.
package service
