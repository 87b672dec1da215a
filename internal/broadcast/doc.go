// Package broadcast implements the per-channel broadcast manager using the
// actor pattern.
//
// One Manager owns one logical channel: a local registry of identity to
// socket sets, a background listener on the channel's broker topic, and the
// connect/disconnect/broadcast API. Every replica receives its own
// subscription copy of each published envelope, including the publisher,
// and performs identical local delivery; that is how cross-replica
// convergence works without replicas knowing about each other. A single
// goroutine plus a command channel owns all registry state (no mutexes);
// per-connection write goroutines absorb slow clients.
package broadcast
