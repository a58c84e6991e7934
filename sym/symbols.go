// Package sym defines the glyphs reportd uses in logs and CLI output.
package sym

// Component glyphs, attached to log lines under the "symbol" key.
const (
	Pulse    = "꩜" // scheduler: scanner ticks, dispatch, retries
	DB       = "⊔" // database: open, migrate
	Delivery = "⟶" // delivery channels
	Config   = "≡" // configuration
	Server   = "⌬" // HTTP API and event stream
)

// Status glyphs shown next to execution and delivery states.
const (
	Pending   = "○"
	Running   = "◐"
	Retrying  = "↻"
	Completed = "●"
	Delivered = "✓"
	Failed    = "✗"
	Cancelled = "⊘"
)

var statusGlyphs = map[string]string{
	"pending":   Pending,
	"running":   Running,
	"retrying":  Retrying,
	"completed": Completed,
	"delivered": Delivered,
	"failed":    Failed,
	"cancelled": Cancelled,
}

// ForStatus returns the glyph for an execution or delivery status,
// or "?" for an unknown one.
func ForStatus(status string) string {
	if g, ok := statusGlyphs[status]; ok {
		return g
	}
	return "?"
}
