package licensing

import "time"

// DenyReason explains why a well-formed record does not grant access.
type DenyReason string

const (
	ReasonExpired       DenyReason = "expired"
	ReasonUsesExhausted DenyReason = "uses exhausted"
)

// Decision is the outcome of evaluating a record at an instant.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// Remaining uses when allowed; UnlimitedUses for unlimited records.
	Remaining int64
}

// Err returns nil for an allow and a *PolicyDenyError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &PolicyDenyError{Reason: d.Reason}
}

// Evaluate applies the expiry and use-limit rules, first match wins.
// It has no side effects.
func Evaluate(r Record, now time.Time) Decision {
	if exp, ok := r.Expiry(); ok && now.After(exp) {
		return Decision{Reason: ReasonExpired}
	}

	// Counters past the limit count as exhausted, not as corruption.
	if !r.IsUnlimited() && r.CurrentUses >= r.MaxUses {
		return Decision{Reason: ReasonUsesExhausted}
	}

	return Decision{Allowed: true, Remaining: r.Remaining()}
}
