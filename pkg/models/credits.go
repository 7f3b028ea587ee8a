package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// StringSlice is a JSONB-backed string array (badges)
type StringSlice []string

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, s)
}

// Ledger entry types
const (
	EntryTypeEarn  = "earn"
	EntryTypeSpend = "spend"
)

// Unlock scopes
const (
	ScopePattern  = "pattern"
	ScopeCategory = "category"
	ScopeLifetime = "lifetime"
)

// CreditAccount represents a user's credit balance and derived standing.
// Created lazily on first ledger contact, mutated only by the ledger service,
// never deleted.
type CreditAccount struct {
	UserID            string      `json:"user_id" db:"user_id"`
	Balance           int64       `json:"balance" db:"balance"`
	LifetimeEarned    int64       `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimeSpent     int64       `json:"lifetime_spent" db:"lifetime_spent"`
	ContributionCount int         `json:"contribution_count" db:"contribution_count"`
	Tier              string      `json:"tier" db:"tier"`
	Badges            StringSlice `json:"badges" db:"badges"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of a single balance change. The sum of
// all entries for a user equals that user's current balance at every point.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Amount       int64     `json:"amount" db:"amount"`
	EntryType    string    `json:"entry_type" db:"entry_type"`
	Source       string    `json:"source" db:"source"`
	Metadata     JSONB     `json:"metadata,omitempty" db:"metadata"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// UnlockGrant permits access to premium content at pattern, category, or
// lifetime scope. Created only as a consequence of a committed spend.
type UnlockGrant struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Scope        string    `json:"scope" db:"scope"`
	TargetID     *string   `json:"target_id,omitempty" db:"target_id"`
	CreditsSpent int64     `json:"credits_spent" db:"credits_spent"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TierThreshold maps a tier name to the lifetime-earned credits required
type TierThreshold struct {
	Name      string
	Threshold int64
}

// TierThresholds is the fixed tier table, ordered ascending. Tier derives
// only from lifetime earnings, so a tier once reached is never lost.
var TierThresholds = []TierThreshold{
	{Name: "bronze", Threshold: 0},
	{Name: "silver", Threshold: 500},
	{Name: "gold", Threshold: 2000},
	{Name: "platinum", Threshold: 10000},
}

// TierForLifetimeEarned returns the highest tier whose threshold is at or
// below the given lifetime earnings.
func TierForLifetimeEarned(lifetimeEarned int64) string {
	tier := TierThresholds[0].Name
	for _, t := range TierThresholds {
		if lifetimeEarned >= t.Threshold {
			tier = t.Name
		}
	}
	return tier
}

// NextTierThreshold returns the threshold of the next tier above the given
// lifetime earnings, or 0 when the top tier is reached.
func NextTierThreshold(lifetimeEarned int64) int64 {
	for _, t := range TierThresholds {
		if lifetimeEarned < t.Threshold {
			return t.Threshold
		}
	}
	return 0
}

// ValidScope reports whether s is a known unlock scope
func ValidScope(s string) bool {
	switch s {
	case ScopePattern, ScopeCategory, ScopeLifetime:
		return true
	}
	return false
}

func (g UnlockGrant) String() string {
	target := ""
	if g.TargetID != nil {
		target = *g.TargetID
	}
	return fmt.Sprintf("%s/%s", g.Scope, target)
}
