package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yuan-cloud/resofleur/pkg/models"
)

var (
	ErrEmailTaken = errors.New("email already registered")
	ErrNotFound   = errors.New("record not found")
)

const pgUniqueViolation = "23505"

type UserStore struct {
	DB DB
}

func (s *UserStore) Create(ctx context.Context, u models.User) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO users (id, email, hashed_password, full_name, is_active, subscription_tier, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, u.ID, strings.ToLower(u.Email), u.HashedPassword, u.FullName, u.IsActive, u.SubscriptionTier, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (models.User, error) {
	return s.scanUser(s.DB.QueryRow(ctx, userSelect+` WHERE email=$1`, strings.ToLower(email)))
}

func (s *UserStore) GetByID(ctx context.Context, id string) (models.User, error) {
	return s.scanUser(s.DB.QueryRow(ctx, userSelect+` WHERE id=$1`, id))
}

const userSelect = `
	SELECT id, email, hashed_password, full_name, is_active, subscription_tier, created_at, updated_at
	FROM users`

func (s *UserStore) scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.FullName, &u.IsActive, &u.SubscriptionTier, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}
