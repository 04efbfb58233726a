// Package telemetry provides the default instrumentation collaborator for
// token validation, emitting one structured log line per attempt.
package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"

	trustkit "github.com/open-rails/trustkit/trust"
)

// LogObserver reports validation outcomes as structured logrus fields:
// issuer, outcome, reason, duration_ms. Successes log at debug, failures at
// info: a failed validation is an ordinary event, not a service error.
type LogObserver struct {
	log *logrus.Logger
}

// NewLogObserver builds an observer over the given logger (nil for the
// standard logger).
func NewLogObserver(log *logrus.Logger) *LogObserver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogObserver{log: log}
}

func (o *LogObserver) ObserveValidation(issuer, outcome, reason string, duration time.Duration) {
	entry := o.log.WithFields(logrus.Fields{
		"issuer":      issuer,
		"outcome":     outcome,
		"duration_ms": duration.Milliseconds(),
	})
	if outcome == trustkit.OutcomeValid {
		entry.Debug("token validation")
		return
	}
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("token validation failed")
}
