package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// integrationRepo implements IntegrationRepository.
type integrationRepo struct {
	pool querier
}

const integrationColumns = `id, user_id, service, access_token, refresh_token,
	token_expires_at, scope, provider_subject, provider_email, is_active,
	created_at, updated_at`

func (r *integrationRepo) GetActive(ctx context.Context, userID int64, service Service) (*Integration, error) {
	defer observeDB(ctx, "integrations.get_active")()

	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations
		 WHERE user_id=$1 AND service=$2 AND is_active`,
		userID, service)
	return scanIntegration(row)
}

// Upsert enforces the single-active-row invariant with a
// deactivate-then-insert inside one transaction.
func (r *integrationRepo) Upsert(ctx context.Context, integ Integration) (*Integration, error) {
	defer observeDB(ctx, "integrations.upsert")()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin integration upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE integrations SET is_active=FALSE, updated_at=NOW()
		 WHERE user_id=$1 AND service=$2 AND is_active`,
		integ.UserID, integ.Service); err != nil {
		return nil, fmt.Errorf("deactivate prior integration: %w", err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO integrations
		 (user_id, service, access_token, refresh_token, token_expires_at,
		  scope, provider_subject, provider_email, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		 RETURNING `+integrationColumns,
		integ.UserID, integ.Service, integ.AccessToken, integ.RefreshToken,
		integ.TokenExpiresAt, integ.Scope, integ.ProviderSubject, integ.ProviderEmail)

	created, err := scanIntegration(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit integration upsert: %w", err)
	}
	return created, nil
}

func (r *integrationRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt *time.Time) error {
	defer observeDB(ctx, "integrations.update_tokens")()

	_, err := r.pool.Exec(ctx,
		`UPDATE integrations
		 SET access_token=$2, refresh_token=$3, token_expires_at=$4, updated_at=NOW()
		 WHERE id=$1`,
		id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update integration tokens: %w", err)
	}
	return nil
}

func (r *integrationRepo) Deactivate(ctx context.Context, userID int64, service Service) error {
	defer observeDB(ctx, "integrations.deactivate")()

	_, err := r.pool.Exec(ctx,
		`UPDATE integrations SET is_active=FALSE, updated_at=NOW()
		 WHERE user_id=$1 AND service=$2 AND is_active`,
		userID, service)
	if err != nil {
		return fmt.Errorf("deactivate integration: %w", err)
	}
	return nil
}

func scanIntegration(row pgx.Row) (*Integration, error) {
	var in Integration
	if err := row.Scan(&in.ID, &in.UserID, &in.Service, &in.AccessToken,
		&in.RefreshToken, &in.TokenExpiresAt, &in.Scope, &in.ProviderSubject,
		&in.ProviderEmail, &in.IsActive, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan integration: %w", err)
	}
	return &in, nil
}
