package protocol

import "strings"

// AIMode controls how much autonomy the engine has over a ticket.
type AIMode string

// AI mode constants, from most to least restrictive.
const (
	ModeManual  AIMode = "manual"
	ModeSuggest AIMode = "suggest"
	ModeHybrid  AIMode = "hybrid"
	ModeSmart   AIMode = "smart"
)

// restrictiveness orders modes; lower is more restrictive.
func (m AIMode) restrictiveness() int {
	switch m {
	case ModeManual:
		return 0
	case ModeSuggest:
		return 1
	case ModeHybrid:
		return 2
	case ModeSmart:
		return 3
	default:
		return -1
	}
}

// Valid reports whether m is a known mode.
func (m AIMode) Valid() bool { return m.restrictiveness() >= 0 }

// ParseAIMode parses a mode name case-insensitively. Unknown names return "".
func ParseAIMode(s string) AIMode {
	m := AIMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return ""
	}
	return m
}

// EffectiveMode combines the global mode with a per-ticket override and
// returns whichever is more restrictive. An empty or unknown override is
// ignored; an unknown global mode is treated as smart.
func EffectiveMode(global, override AIMode) AIMode {
	if !global.Valid() {
		global = ModeSmart
	}
	if !override.Valid() {
		return global
	}
	if override.restrictiveness() < global.restrictiveness() {
		return override
	}
	return global
}
