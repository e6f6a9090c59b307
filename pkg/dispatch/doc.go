// Package dispatch implements an in-process, multi-producer /
// multi-subscriber message dispatcher over a fixed-capacity, partitioned
// ring of byte fragments. It provides no durability, no cross-process
// transport, and no delivery guarantee beyond best-effort bounded-buffer
// semantics: a Dispatcher is meant to sit entirely inside one process,
// handing framed byte fragments from producer goroutines to independent
// (or pipelined) subscriptions at the speed the slowest subscription
// allows.
package dispatch
