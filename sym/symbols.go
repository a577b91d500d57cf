// Package sym defines the canonical glyphs used in batchwatch log output and the CLI.
// They are attached to log entries as a structured field so engine output stays
// filterable, and prefix command descriptions.
package sym

const (
	Pulse      = "꩜" // polling engine iterations, status checks
	PulseOpen  = "✿" // engine startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Trigger    = "⟶" // downstream trigger calls
	Secret     = "⚿" // credential store
)

// All lists every glyph, used by the CLI legend and tests.
var All = map[string]string{
	"pulse":       Pulse,
	"pulse-open":  PulseOpen,
	"pulse-close": PulseClose,
	"db":          DB,
	"trigger":     Trigger,
	"secret":      Secret,
}
