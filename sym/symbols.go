// Package sym defines the glyphs ingestd prints in logs and CLI output.
// Each glyph marks a subsystem so log lines can be filtered by symbol.
package sym

// Subsystem glyphs.
const (
	AM = "≡" // am: configuration
	IX = "⨳" // ix: ingestion engine and controllers
	MG = "⊕" // merge: result reconciliation and snapshots
	TR = "⟶" // trigger: cursor-driven job creation
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler, leases and workers
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)
