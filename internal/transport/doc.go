// Package transport moves performance messages between windows and devices
// over two parallel channels: an in-process broadcast bus (the stand-in for
// a same-origin BroadcastChannel - low latency, no network, same process
// only) and a WebSocket relay client (cross-device, higher latency, needs a
// running relay).
//
// Messages sent while both transports are up arrive twice; the receiver
// deduplicates on message id against a bounded retained-id set so handlers
// fire exactly once per logical message. The retained set and the offline
// send queue are both bounded and evict oldest first - delivery is
// documented lossy under pressure, never silently lossy otherwise.
//
// There is no cross-device ordering guarantee: the two transports race, so
// consumers key state off message content (e.g. seconds remaining), not
// arrival order.
package transport
