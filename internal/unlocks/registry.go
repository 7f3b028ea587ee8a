// Package unlocks grants and queries premium-access records. Grants are only
// created after the ledger has committed the matching spend; the registry
// itself holds no money invariants.
package unlocks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/models"
)

// Registry reads and writes unlock grants
type Registry struct {
	db     *sql.DB
	logger logging.Logger
}

// NewRegistry creates an unlock registry on the given database handle
func NewRegistry(db *sql.DB, logger logging.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// HasUnlockedPremium reports whether the user can access the given premium
// content. Precedence: lifetime grant, then category grant, then pattern
// grant. Pure read, no locking; a grant may trail its spend briefly.
func (r *Registry) HasUnlockedPremium(ctx context.Context, userID, patternID, category string) (bool, error) {
	var unlocked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM unlock_grants WHERE user_id = $1 AND scope = 'lifetime')
	`, userID).Scan(&unlocked)
	if err != nil {
		return false, fmt.Errorf("failed to check lifetime grant: %w", err)
	}
	if unlocked {
		return true, nil
	}

	if category != "" {
		err = r.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM unlock_grants WHERE user_id = $1 AND scope = 'category' AND target_id = $2)
		`, userID, category).Scan(&unlocked)
		if err != nil {
			return false, fmt.Errorf("failed to check category grant: %w", err)
		}
		if unlocked {
			return true, nil
		}
	}

	if patternID != "" {
		err = r.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM unlock_grants WHERE user_id = $1 AND scope = 'pattern' AND target_id = $2)
		`, userID, patternID).Scan(&unlocked)
		if err != nil {
			return false, fmt.Errorf("failed to check pattern grant: %w", err)
		}
		if unlocked {
			return true, nil
		}
	}

	return false, nil
}

// CreateUnlock inserts one grant row. Callers invoke this only after the
// ledger spend for creditsSpent has committed; the insert runs in its own
// transaction, so a failure here leaves committed credits with no grant and
// must be surfaced loudly by the caller for reconciliation.
func (r *Registry) CreateUnlock(ctx context.Context, userID, scope string, targetID *string, creditsSpent int64) (models.UnlockGrant, error) {
	grant := models.UnlockGrant{
		ID:           uuid.New().String(),
		UserID:       userID,
		Scope:        scope,
		TargetID:     targetID,
		CreditsSpent: creditsSpent,
		CreatedAt:    time.Now(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO unlock_grants (id, user_id, scope, target_id, credits_spent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, grant.ID, grant.UserID, grant.Scope, grant.TargetID, grant.CreditsSpent, grant.CreatedAt)
	if err != nil {
		return models.UnlockGrant{}, fmt.Errorf("failed to insert unlock grant: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"user_id":       userID,
		"scope":         scope,
		"target_id":     targetID,
		"credits_spent": creditsSpent,
	}).Info("Created unlock grant")

	return grant, nil
}

// ListUnlocks returns the user's full premium access view
func (r *Registry) ListUnlocks(ctx context.Context, userID string) (hasLifetime bool, patterns []string, categories []string, err error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope, target_id FROM unlock_grants
		WHERE user_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return false, nil, nil, fmt.Errorf("failed to fetch unlock grants: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var scope string
		var targetID sql.NullString
		if err := rows.Scan(&scope, &targetID); err != nil {
			r.logger.WithError(err).Error("Failed to scan unlock grant")
			continue
		}

		switch scope {
		case models.ScopeLifetime:
			hasLifetime = true
		case models.ScopePattern:
			if targetID.Valid && !seen["p:"+targetID.String] {
				seen["p:"+targetID.String] = true
				patterns = append(patterns, targetID.String)
			}
		case models.ScopeCategory:
			if targetID.Valid && !seen["c:"+targetID.String] {
				seen["c:"+targetID.String] = true
				categories = append(categories, targetID.String)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return false, nil, nil, fmt.Errorf("failed to iterate unlock grants: %w", err)
	}

	return hasLifetime, patterns, categories, nil
}
