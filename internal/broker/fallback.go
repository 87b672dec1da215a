package broker

import "time"

// Fallback values are the type-stable placeholders returned when no broker
// link is available. They are chosen so the caller's normal-path code keeps
// working unmodified: empty or zero for reads, the fresh-key result for
// counters. The mapping is fixed per command kind, resolved at compile
// time, never by inspecting command names at call time.
const (
	fallbackString   = ""
	fallbackBool     = false
	fallbackCount    = int64(0)
	fallbackIncr     = int64(1)  // value a fresh counter holds after INCR
	fallbackDecr     = int64(-1) // value a fresh counter holds after DECR
	fallbackDuration = time.Duration(0)
)

// Collection fallbacks are constructed per call so callers can append or
// range without nil checks and without sharing state.
func fallbackStrings() []string { return []string{} }

func fallbackStringMap() map[string]string { return map[string]string{} }

// kind tags a pipelined command with its fallback class.
type kind int

const (
	kindString kind = iota
	kindBool
	kindCount
	kindIncr
	kindDecr
	kindStrings
	kindStringMap
)

func (k kind) fallback() any {
	switch k {
	case kindString:
		return fallbackString
	case kindBool:
		return fallbackBool
	case kindIncr:
		return fallbackIncr
	case kindDecr:
		return fallbackDecr
	case kindStrings:
		return fallbackStrings()
	case kindStringMap:
		return fallbackStringMap()
	default:
		return fallbackCount
	}
}
