// Package bursar defines the wire types for the credits service API.
package bursar

import "patternhub/api_credits/pkg/models"

// ErrorResponse is the generic error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// SpendRequest asks to spend credits on a premium unlock
type SpendRequest struct {
	Scope    string `json:"scope" binding:"required"`
	TargetID string `json:"target_id"`
	Cost     int64  `json:"cost" binding:"required"`
}

// SpendResponse reports the outcome of a successful spend
type SpendResponse struct {
	Success    bool                `json:"success"`
	NewBalance int64               `json:"new_balance"`
	Unlock     *models.UnlockGrant `json:"unlock,omitempty"`
}

// InsufficientCreditsResponse is returned when the balance cannot cover the
// requested cost. This is a business outcome, not a fault.
type InsufficientCreditsResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

// AwardRequest credits a user for a contribution (service-to-service)
type AwardRequest struct {
	UserID   string       `json:"user_id" binding:"required"`
	Amount   int64        `json:"amount" binding:"required"`
	Source   string       `json:"source" binding:"required"`
	Metadata models.JSONB `json:"metadata"`
}

// AwardResponse reports the post-award account standing
type AwardResponse struct {
	NewBalance int64  `json:"new_balance"`
	Tier       string `json:"tier"`
}

// BalanceResponse is the account standing returned by GET /credits/balance
type BalanceResponse struct {
	Balance           int64              `json:"balance"`
	LifetimeEarned    int64              `json:"lifetime_earned"`
	LifetimeSpent     int64              `json:"lifetime_spent"`
	ContributionCount int                `json:"contribution_count"`
	Tier              string             `json:"tier"`
	Badges            models.StringSlice `json:"badges"`
	NextTierThreshold int64              `json:"next_tier_threshold"`
}

// UnlocksResponse lists a user's premium access
type UnlocksResponse struct {
	HasLifetimeAccess bool     `json:"has_lifetime_access"`
	Patterns          []string `json:"patterns"`
	Categories        []string `json:"categories"`
}

// LedgerResponse is a page of ledger history
type LedgerResponse struct {
	Entries []models.LedgerEntry `json:"entries"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}
