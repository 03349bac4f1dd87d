package protocol

// Directory and file constants used throughout coe.
const (
	// CoeDir is the user-level state directory (e.g., ~/.coe).
	CoeDir = ".coe"

	// DBFile is the SQLite database file name inside CoeDir.
	DBFile = "coe.db"

	// KickFile is touched by CLI mutations; the running engine watches it.
	KickFile = "kick"

	// BossDirectivePrefix marks a ticket title as a boss directive.
	BossDirectivePrefix = "[BOSS]"

	// ConfigPhasePrefix marks a ticket completed during configuration.
	ConfigPhasePrefix = "[CONFIG PHASE]"
)

// Engine defaults.
const (
	DefaultClarityScore     = 80 // used when an agent reports no confidence
	DefaultMaxActiveTickets = 10
	MaxAncestorDepth        = 10
	StepExcerptLimit        = 500
)
