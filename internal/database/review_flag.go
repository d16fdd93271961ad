package database

import (
	"context"
	"fmt"

	"github.com/mooncorn/payrecon/internal/models"
)

// ListOpenReviewFlags returns unresolved review flags, oldest first
func (db *DB) ListOpenReviewFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error) {
	query := `
		SELECT id, provider, reference, reason, session_id, transaction_id, resolved_at, created_at
		FROM review_flags
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review flags: %w", err)
	}
	defer rows.Close()

	flags := []models.ReviewFlag{}
	for rows.Next() {
		var f models.ReviewFlag
		if err := rows.Scan(
			&f.ID, &f.Provider, &f.Reference, &f.Reason,
			&f.SessionID, &f.TransactionID, &f.ResolvedAt, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review flag: %w", err)
		}
		flags = append(flags, f)
	}

	return flags, rows.Err()
}

// CountOpenReviewFlags returns how many review flags are unresolved
func (db *DB) CountOpenReviewFlags(ctx context.Context) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM review_flags WHERE resolved_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count review flags: %w", err)
	}
	return count, nil
}
