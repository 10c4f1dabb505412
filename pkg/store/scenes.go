package store

import (
	"context"

	"github.com/yuan-cloud/resofleur/pkg/models"
)

type SceneStore struct {
	DB DB
}

func (s *SceneStore) List(ctx context.Context, userID string) ([]models.PresetScene, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, name, description, state, created_at
		FROM preset_scenes WHERE user_id=$1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]models.PresetScene, 0, 8)
	for rows.Next() {
		var sc models.PresetScene
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Description, &sc.State, &sc.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, sc)
	}
	return items, rows.Err()
}

func (s *SceneStore) Create(ctx context.Context, sc models.PresetScene) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO preset_scenes (id, user_id, name, description, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sc.ID, sc.UserID, sc.Name, sc.Description, sc.State, sc.CreatedAt)
	return err
}

func (s *SceneStore) Delete(ctx context.Context, userID, sceneID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM preset_scenes WHERE id=$1 AND user_id=$2`, sceneID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
