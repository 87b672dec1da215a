// Package broker wraps a primary/fallback pair of Redis connections behind a
// client that never surfaces a transport failure to its callers.
//
// Every command probes the active link before use, fails over to the fallback
// link when the probe fails, and re-establishes both connections when neither
// is available. When no link can be acquired, or every retry errors, the
// command returns a type-stable fallback value instead of an error. Callers
// must treat fallback values as "unavailable", never as authoritative results.
package broker
