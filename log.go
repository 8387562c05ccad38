package relorm

import (
	"time"

	"go.uber.org/zap"
)

// Field names used in structured log entries.
const (
	FieldQuery       = "query"
	FieldArgs        = "args"
	FieldOperation   = "operation"
	FieldDurationMS  = "duration_ms"
	FieldCount       = "count"
	FieldModel       = "model"
	FieldAssociation = "association"
	FieldStrategy    = "strategy"
)

// WithLogger sets the logger statements and eager loads are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(d *Database) {
		if l != nil {
			d.logger = l
		}
	}
}

func durationMS(d time.Duration) zap.Field {
	return zap.Float64(FieldDurationMS, float64(d.Microseconds())/1000)
}
