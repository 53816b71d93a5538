// Package radio defines the short-range transport the capsule runtime
// discovers and talks to peers over, together with an in-process
// simulator faithful enough to run the whole mesh in a unit test.
//
// # Interfaces
//
// The transport is split along the two classic radio roles:
//
//   - Peripheral: advertises a payload and accepts inbound connections.
//   - Central: scans for advertisements and dials peripherals.
//
// A Device is both at once, which is how real pieces operate. A
// Connection delivers framed byte messages in FIFO order with a
// bounded MTU and a bounded outgoing queue; senders see ErrMtuExceeded,
// ErrDisconnected, or ErrBackpressure rather than blocking forever.
//
// The concrete radio stack is plugged in at composition time; nothing
// above this package knows whether frames cross real air or a channel.
//
// # Simulator
//
// The Air type is an in-process ether: advertisements broadcast to
// every scanning central, and Connect atomically creates a symmetric
// connection pair, delivering one half to the peripheral's accept
// queue. Per-link latency can be injected ahead of each send through a
// pluggable clock, so timing-sensitive tests run on a virtual clock
// instead of real sleeps.
package radio
