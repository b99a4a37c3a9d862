// internal/models/settings.go
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
)

// Visibility controls whether a lobby is listed publicly.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

const (
	MinPlayers        = 2
	MinTimeLimit      = 1
	MaxTimeLimit      = 1000
	MinArticlesNumber = 2
	MaxArticlesNumber = 100
)

// Settings of a lobby. A nil MaxPlayers or TimeLimit means unlimited.
type Settings struct {
	MaxPlayers     *int       `json:"max_players"`
	TimeLimit      *int       `json:"time_limit"`
	ArticlesNumber int        `json:"articles_number"`
	Visibility     Visibility `json:"visibility"`
	AllowJoin      bool       `json:"allow_join"`
}

// DefaultSettings returns the settings of a freshly created lobby.
func DefaultSettings() Settings {
	return Settings{
		ArticlesNumber: 5,
		Visibility:     VisibilityPublic,
		AllowJoin:      true,
	}
}

// Clone returns a deep copy so snapshots never alias lobby state.
func (s Settings) Clone() Settings {
	out := s
	if s.MaxPlayers != nil {
		v := *s.MaxPlayers
		out.MaxPlayers = &v
	}
	if s.TimeLimit != nil {
		v := *s.TimeLimit
		out.TimeLimit = &v
	}
	return out
}

// Validate checks every field against its declared range.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxPlayers != nil && *s.MaxPlayers < MinPlayers {
		errs = append(errs, fmt.Errorf("max_players must be at least %d, got %d", MinPlayers, *s.MaxPlayers))
	}
	if s.TimeLimit != nil && (*s.TimeLimit < MinTimeLimit || *s.TimeLimit > MaxTimeLimit) {
		errs = append(errs, fmt.Errorf("time_limit must be within [%d,%d], got %d", MinTimeLimit, MaxTimeLimit, *s.TimeLimit))
	}
	if s.ArticlesNumber < MinArticlesNumber || s.ArticlesNumber > MaxArticlesNumber {
		errs = append(errs, fmt.Errorf("articles_number must be within [%d,%d], got %d", MinArticlesNumber, MaxArticlesNumber, s.ArticlesNumber))
	}
	switch s.Visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		errs = append(errs, fmt.Errorf("visibility must be %q or %q, got %q", VisibilityPublic, VisibilityPrivate, s.Visibility))
	}
	return errors.Join(errs...)
}

// OptionalInt distinguishes an absent field from an explicit null.
// Set is true when the key was present; a nil Value then means unlimited.
type OptionalInt struct {
	Set   bool
	Value *int
}

// Limit builds a present, non-null OptionalInt.
func Limit(v int) OptionalInt {
	return OptionalInt{Set: true, Value: &v}
}

// Unlimited builds a present, null OptionalInt.
func Unlimited() OptionalInt {
	return OptionalInt{Set: true}
}

func (o *OptionalInt) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

func (o OptionalInt) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

// SettingsPatch is a partial update merged field by field over Settings.
type SettingsPatch struct {
	MaxPlayers     OptionalInt `json:"max_players"`
	TimeLimit      OptionalInt `json:"time_limit"`
	ArticlesNumber *int        `json:"articles_number,omitempty"`
	Visibility     *Visibility `json:"visibility,omitempty"`
	AllowJoin      *bool       `json:"allow_join,omitempty"`
}

// Apply returns s with every present patch field replaced. s is left untouched.
func (p SettingsPatch) Apply(s Settings) Settings {
	out := s.Clone()
	if p.MaxPlayers.Set {
		out.MaxPlayers = copyInt(p.MaxPlayers.Value)
	}
	if p.TimeLimit.Set {
		out.TimeLimit = copyInt(p.TimeLimit.Value)
	}
	if p.ArticlesNumber != nil {
		out.ArticlesNumber = *p.ArticlesNumber
	}
	if p.Visibility != nil {
		out.Visibility = *p.Visibility
	}
	if p.AllowJoin != nil {
		out.AllowJoin = *p.AllowJoin
	}
	return out
}

// Empty reports whether the patch carries no field at all.
func (p SettingsPatch) Empty() bool {
	return !p.MaxPlayers.Set && !p.TimeLimit.Set && p.ArticlesNumber == nil && p.Visibility == nil && p.AllowJoin == nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// nonNullable are patch keys that may be absent but never null.
var nonNullable = []string{"articles_number", "visibility", "allow_join"}

// UnmarshalJSON rejects an explicit null for fields that have no unlimited
// value, and unknown keys.
func (p *SettingsPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range nonNullable {
		if v, ok := raw[key]; ok && bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("%w: %s cannot be null", errs.ErrInvalidSettings, key)
		}
	}

	type plain SettingsPatch
	var out plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*p = SettingsPatch(out)
	return nil
}

// MarshalJSON omits absent fields so a round trip keeps the patch partial.
func (p SettingsPatch) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 5)
	if p.MaxPlayers.Set {
		out["max_players"] = p.MaxPlayers
	}
	if p.TimeLimit.Set {
		out["time_limit"] = p.TimeLimit
	}
	if p.ArticlesNumber != nil {
		out["articles_number"] = *p.ArticlesNumber
	}
	if p.Visibility != nil {
		out["visibility"] = *p.Visibility
	}
	if p.AllowJoin != nil {
		out["allow_join"] = *p.AllowJoin
	}
	return json.Marshal(out)
}
