package licensing

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ExpiryTimeFormat is the layout of Info.ExpiresAtString.
const ExpiryTimeFormat = "2006-01-02 15:04:05"

// NeverExpiresMarker replaces the date in Info.ExpiresAtString for
// never-expiring records.
const NeverExpiresMarker = "never-expires"

// Terms is the cosmetic metadata shown next to a license prompt.
type Terms struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ContactInfo map[string]string `json:"contact_info"`
	Features    []string          `json:"features"`
}

func (t Terms) clone() Terms {
	c := Terms{
		Title:       t.Title,
		Description: t.Description,
		Features:    append([]string{}, t.Features...),
		ContactInfo: make(map[string]string, len(t.ContactInfo)),
	}
	for k, v := range t.ContactInfo {
		c.ContactInfo[k] = v
	}
	return c
}

// Info is the read-only view of a granting token.
type Info struct {
	SubjectID       string   `json:"user_id"`
	Features        []string `json:"features"`
	CurrentUses     int64    `json:"current_uses"`
	MaxUses         int64    `json:"max_uses"`
	RemainingUses   int64    `json:"remaining_uses"`
	Unlimited       bool     `json:"unlimited"`
	ExpiresAt       int64    `json:"expire_time"`
	ExpiresAtString string   `json:"expire_time_str"`
	IsExpired       bool     `json:"is_expired"`
}

// Result is the outcome of Validate.
type Result struct {
	Valid   bool       `json:"valid"`
	Message string     `json:"message"`
	Reason  DenyReason `json:"reason,omitempty"`
	Info    *Info      `json:"license_info,omitempty"`

	// Err keeps the underlying cause for server-side logging.
	Err error `json:"-"`
}

// ConsumeResult is the outcome of Consume. On a denial Token is the input
// token, unchanged.
type ConsumeResult struct {
	Valid         bool       `json:"valid"`
	Message       string     `json:"message"`
	Reason        DenyReason `json:"reason,omitempty"`
	Token         string     `json:"new_token,omitempty"`
	RemainingUses int64      `json:"remaining_uses"`
	Unlimited     bool       `json:"unlimited"`
	SubjectID     string     `json:"-"`

	Err error `json:"-"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithLocation sets the zone used to format expiry dates. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(v *Validator) {
		if loc != nil {
			v.location = loc
		}
	}
}

// Validator checks and consumes license tokens. It holds only immutable state,
// so one instance serves every request concurrently.
type Validator struct {
	codec    *Codec
	terms    Terms
	location *time.Location
}

// NewValidator builds a validator from the pre-shared secret and the terms
// shown to callers.
func NewValidator(secret []byte, terms Terms, opts ...Option) (*Validator, error) {
	codec, err := NewCodec(secret)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		codec:    codec,
		terms:    terms.clone(),
		location: time.Local,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Codec exposes the token codec, for tooling that re-seals records.
func (v *Validator) Codec() *Codec {
	return v.codec
}

// Terms returns a copy of the configured license terms.
func (v *Validator) Terms() Terms {
	return v.terms.clone()
}

// check decodes and evaluates a token.
func (v *Validator) check(token string, now time.Time) (Record, Decision, error) {
	rec, err := v.codec.Decode(token)
	if err != nil {
		return Record{}, Decision{}, err
	}
	d := Evaluate(rec, now)
	if !d.Allowed {
		return rec, d, d.Err()
	}
	return rec, d, nil
}

// Validate reports whether token grants access at now.
func (v *Validator) Validate(token string, now time.Time) Result {
	rec, d, err := v.check(token, now)
	if err != nil {
		return Result{
			Message: PublicMessage(err),
			Reason:  d.Reason,
			Err:     err,
		}
	}
	info := v.info(rec, now)
	return Result{Valid: true, Message: MessageValid, Info: &info}
}

// Describe returns the token's details if it currently grants access.
func (v *Validator) Describe(token string, now time.Time) (Info, error) {
	rec, _, err := v.check(token, now)
	if err != nil {
		return Info{}, err
	}
	return v.info(rec, now), nil
}

// Consume spends one use of token and returns its replacement.
//
// The use counter travels inside the token, so two calls presented with the
// same token both succeed from the same base count. Callers that need
// exactly-once consumption must serialise per token or subject themselves.
func (v *Validator) Consume(token string, now time.Time) ConsumeResult {
	rec, d, err := v.check(token, now)
	if err != nil {
		return ConsumeResult{
			Message: PublicMessage(err),
			Reason:  d.Reason,
			Token:   token,
			Err:     err,
		}
	}

	next := rec.clone()
	// Unlimited records only count; the counter saturates instead of wrapping.
	if next.CurrentUses < math.MaxInt64 {
		next.CurrentUses++
	}

	newToken, err := v.codec.Encode(next)
	if err != nil {
		return ConsumeResult{
			Message: MessageValidationFailed,
			Token:   token,
			Err:     fmt.Errorf("re-encode license: %w", err),
		}
	}

	return ConsumeResult{
		Valid:         true,
		Message:       MessageConsumed,
		Token:         newToken,
		RemainingUses: next.Remaining(),
		Unlimited:     next.IsUnlimited(),
		SubjectID:     next.SubjectID,
	}
}

func (v *Validator) info(r Record, now time.Time) Info {
	info := Info{
		SubjectID:     r.SubjectID,
		Features:      append([]string{}, r.Features...),
		CurrentUses:   r.CurrentUses,
		MaxUses:       r.MaxUses,
		RemainingUses: r.Remaining(),
		Unlimited:     r.IsUnlimited(),
		ExpiresAt:     r.ExpiresAt,
	}
	if exp, ok := r.Expiry(); ok {
		info.ExpiresAtString = exp.In(v.location).Format(ExpiryTimeFormat)
		info.IsExpired = now.After(exp)
	} else {
		info.ExpiresAtString = NeverExpiresMarker
	}
	return info
}

// IsDenied reports whether err is a policy denial rather than a bad token.
func IsDenied(err error) bool {
	return errors.Is(err, ErrPolicyDeny)
}
