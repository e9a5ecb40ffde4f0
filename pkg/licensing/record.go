package licensing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// NeverExpires marks a record without an expiry.
	NeverExpires int64 = -1
	// UnlimitedUses marks a record without a use limit. Remaining counts use
	// the same value.
	UnlimitedUses int64 = -1

	// PayloadVersion is the schema version written into every payload.
	PayloadVersion = 1
)

// Record is the decoded payload of a license token.
type Record struct {
	// Holder of the license. Never changes once issued.
	SubjectID string `json:"user_id"`

	// Unix seconds, or NeverExpires.
	ExpiresAt int64 `json:"expire_time"`

	// Use limit, or UnlimitedUses.
	MaxUses int64 `json:"max_uses"`

	// Uses consumed so far. Only Consume changes it.
	CurrentUses int64 `json:"current_uses"`

	// Informational; the validator does not interpret them.
	Features []string `json:"features"`
}

// NeverExpiresAt reports whether the record carries the never-expires sentinel.
func (r Record) NeverExpiresAt() bool {
	return r.ExpiresAt == NeverExpires
}

// IsUnlimited reports whether the record carries the unlimited-uses sentinel.
func (r Record) IsUnlimited() bool {
	return r.MaxUses == UnlimitedUses
}

// Expiry returns the expiry instant and false for never-expiring records.
func (r Record) Expiry() (time.Time, bool) {
	if r.NeverExpiresAt() {
		return time.Time{}, false
	}
	return time.Unix(r.ExpiresAt, 0), true
}

// Remaining returns the uses left, UnlimitedUses, or 0 when the counter has
// already passed the limit.
func (r Record) Remaining() int64 {
	if r.IsUnlimited() {
		return UnlimitedUses
	}
	if r.CurrentUses >= r.MaxUses {
		return 0
	}
	return r.MaxUses - r.CurrentUses
}

func (r Record) clone() Record {
	c := r
	if r.Features != nil {
		c.Features = append([]string(nil), r.Features...)
	}
	return c
}

func (r Record) validate() error {
	if strings.TrimSpace(r.SubjectID) == "" {
		return fmt.Errorf("%w: empty user_id", ErrSchema)
	}
	if r.ExpiresAt < 0 && r.ExpiresAt != NeverExpires {
		return fmt.Errorf("%w: expire_time %d out of range", ErrSchema, r.ExpiresAt)
	}
	if r.MaxUses < 0 && r.MaxUses != UnlimitedUses {
		return fmt.Errorf("%w: max_uses %d out of range", ErrSchema, r.MaxUses)
	}
	if r.CurrentUses < 0 {
		return fmt.Errorf("%w: current_uses %d out of range", ErrSchema, r.CurrentUses)
	}
	return nil
}

// payload is the versioned on-the-wire shape.
type payload struct {
	Version int `json:"v"`
	Record
}

func marshalPayload(r Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	p := payload{Version: PayloadVersion, Record: r}
	if p.Features == nil {
		p.Features = []string{}
	}
	return json.Marshal(p)
}

// payloadFields mirrors payload with pointers so absent fields can be told
// apart from zero values.
type payloadFields struct {
	Version     *int      `json:"v"`
	SubjectID   *string   `json:"user_id"`
	ExpiresAt   *int64    `json:"expire_time"`
	MaxUses     *int64    `json:"max_uses"`
	CurrentUses *int64    `json:"current_uses"`
	Features    *[]string `json:"features"`
}

func unmarshalPayload(data []byte) (Record, error) {
	var f payloadFields
	if err := json.Unmarshal(data, &f); err != nil {
		return Record{}, fmt.Errorf("%w: invalid payload JSON", ErrSchema)
	}

	if f.Version == nil {
		return Record{}, fmt.Errorf("%w: missing v", ErrUnsupportedVersion)
	}
	if *f.Version != PayloadVersion {
		return Record{}, fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, *f.Version)
	}

	switch {
	case f.SubjectID == nil:
		return Record{}, fmt.Errorf("%w: missing user_id", ErrSchema)
	case f.ExpiresAt == nil:
		return Record{}, fmt.Errorf("%w: missing expire_time", ErrSchema)
	case f.MaxUses == nil:
		return Record{}, fmt.Errorf("%w: missing max_uses", ErrSchema)
	case f.Features == nil:
		return Record{}, fmt.Errorf("%w: missing features", ErrSchema)
	}

	r := Record{
		SubjectID: *f.SubjectID,
		ExpiresAt: *f.ExpiresAt,
		MaxUses:   *f.MaxUses,
		Features:  *f.Features,
	}
	if f.CurrentUses != nil {
		r.CurrentUses = *f.CurrentUses
	}
	if r.Features == nil {
		r.Features = []string{}
	}
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
