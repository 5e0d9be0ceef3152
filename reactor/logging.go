package reactor

import "github.com/gdeetotdom/thriftworker/internal/rlog"

// Logger and Field are re-exported from internal/rlog so callers configuring
// a Hub never need to import the internal package directly.
type (
	Logger = rlog.Logger
	Field  = rlog.Field
)

var noopLoggerSingleton = rlog.NoOp()
