package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/yuan-cloud/resofleur/pkg/models"
)

type ConfigStore struct {
	DB DB
}

const configSelect = `
	SELECT id, user_id, name, host, port, is_active, created_at
	FROM configurations`

func (s *ConfigStore) List(ctx context.Context, userID string) ([]models.Configuration, error) {
	rows, err := s.DB.Query(ctx, configSelect+` WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]models.Configuration, 0, 8)
	for rows.Next() {
		var c models.Configuration
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Host, &c.Port, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *ConfigStore) GetActive(ctx context.Context, userID string) (models.Configuration, error) {
	return s.scanConfig(s.DB.QueryRow(ctx, configSelect+` WHERE user_id=$1 AND is_active ORDER BY created_at DESC LIMIT 1`, userID))
}

// GetAnyActive returns an active configuration across the whole store,
// regardless of owner. Only the unauthenticated thumbnail path uses it.
func (s *ConfigStore) GetAnyActive(ctx context.Context) (models.Configuration, error) {
	return s.scanConfig(s.DB.QueryRow(ctx, configSelect+` WHERE is_active ORDER BY created_at DESC LIMIT 1`))
}

// Create deactivates the user's other configurations and inserts the new one
// as active. The two statements run without a transaction, matching the
// reference behavior: a crash or a concurrent activation between them can
// leave zero or more than one active configuration.
func (s *ConfigStore) Create(ctx context.Context, cfg models.Configuration) error {
	if _, err := s.DB.Exec(ctx, `UPDATE configurations SET is_active=FALSE WHERE user_id=$1`, cfg.UserID); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO configurations (id, user_id, name, host, port, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6)
	`, cfg.ID, cfg.UserID, cfg.Name, cfg.Host, cfg.Port, cfg.CreatedAt)
	return err
}

// Activate verifies ownership, then runs the same two-step
// deactivate-all/activate-one sequence as Create.
func (s *ConfigStore) Activate(ctx context.Context, userID, configID string) error {
	if _, err := s.scanConfig(s.DB.QueryRow(ctx, configSelect+` WHERE id=$1 AND user_id=$2`, configID, userID)); err != nil {
		return err
	}
	if _, err := s.DB.Exec(ctx, `UPDATE configurations SET is_active=FALSE WHERE user_id=$1`, userID); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `UPDATE configurations SET is_active=TRUE WHERE id=$1`, configID)
	return err
}

func (s *ConfigStore) Delete(ctx context.Context, userID, configID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM configurations WHERE id=$1 AND user_id=$2`, configID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ConfigStore) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM configurations WHERE user_id=$1`, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *ConfigStore) scanConfig(row pgx.Row) (models.Configuration, error) {
	var c models.Configuration
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Host, &c.Port, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Configuration{}, ErrNotFound
	}
	if err != nil {
		return models.Configuration{}, err
	}
	return c, nil
}
