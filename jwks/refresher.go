package jwkskit

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultRefreshSchedule keeps the cache fresh slightly ahead of the default
// freshness window, so request-path validations rarely pay for a fetch.
const DefaultRefreshSchedule = "@every 4m"

// Refresher refreshes the key set cache on a schedule in the background.
// Failures are logged and never fatal: the request path still refreshes on
// demand, and the stale-fallback rules apply there as usual.
type Refresher struct {
	cron   *cron.Cron
	policy *RefreshPolicy
	log    *logrus.Logger
}

// NewRefresher builds a background refresher. An empty schedule takes
// DefaultRefreshSchedule; the schedule uses cron syntax, including the
// @every form.
func NewRefresher(policy *RefreshPolicy, schedule string, log *logrus.Logger) (*Refresher, error) {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Refresher{cron: cron.New(), policy: policy, log: log}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Refresher) run() {
	if err := r.policy.RefreshIfNeeded(context.Background()); err != nil {
		r.log.WithError(err).Warn("background jwks refresh failed")
	}
}

// Start begins scheduled refreshes.
func (r *Refresher) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
