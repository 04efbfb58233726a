package trustkit

import "time"

// OutcomeValid is the observer outcome for a successful validation; failures
// report the failure kind as the outcome.
const OutcomeValid = "valid"

// Observer receives the result of every validation attempt: which issuer was
// expected, the outcome, a diagnostic reason (empty on success), and the
// end-to-end duration. Implementations never receive token or key material.
type Observer interface {
	ObserveValidation(issuer, outcome, reason string, duration time.Duration)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) ObserveValidation(string, string, string, time.Duration) {}
