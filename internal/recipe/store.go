// Package recipe persists reusable command templates.
package recipe

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// ErrNotFound means no recipe exists for the given id.
var ErrNotFound = errors.New("recipe not found")

// Store manages recipe persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a recipe store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts a new recipe derived from a past command.
func (s *Store) Save(ctx context.Context, name, description, template string, tags []string) (model.AgentRecipe, error) {
	if name == "" {
		return model.AgentRecipe{}, fmt.Errorf("recipe name is required")
	}
	if template == "" {
		return model.AgentRecipe{}, fmt.Errorf("recipe template is required")
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return model.AgentRecipe{}, fmt.Errorf("marshal tags: %w", err)
	}
	id, err := newRecipeID()
	if err != nil {
		return model.AgentRecipe{}, err
	}
	now := time.Now().UTC()
	rec := model.AgentRecipe{
		ID:          id,
		Name:        name,
		Description: description,
		Template:    template,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO recipes(recipe_id, name, description, template, tags_json, usage_count, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.Name, rec.Description, rec.Template, string(tagsJSON), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return model.AgentRecipe{}, fmt.Errorf("insert recipe: %w", err)
	}
	return rec, nil
}

// List returns all recipes, oldest first.
func (s *Store) List(ctx context.Context) ([]model.AgentRecipe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipe_id, name, description, template, tags_json, usage_count, created_at, updated_at FROM recipes ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query recipes: %w", err)
	}
	defer rows.Close()
	var out []model.AgentRecipe
	for rows.Next() {
		rec, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipes: %w", err)
	}
	return out, nil
}

// Get fetches one recipe by id.
func (s *Store) Get(ctx context.Context, id string) (model.AgentRecipe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT recipe_id, name, description, template, tags_json, usage_count, created_at, updated_at FROM recipes WHERE recipe_id=?`, id)
	rec, err := scanRecipe(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentRecipe{}, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
		}
		return model.AgentRecipe{}, err
	}
	return rec, nil
}

// Use returns the recipe's template for reuse as a new command and
// increments its usage count.
func (s *Store) Use(ctx context.Context, id string) (model.AgentRecipe, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE recipes SET usage_count=usage_count+1, updated_at=? WHERE recipe_id=?`, now, id)
	if err != nil {
		return model.AgentRecipe{}, fmt.Errorf("update usage count: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return model.AgentRecipe{}, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return model.AgentRecipe{}, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Delete removes a recipe.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE recipe_id=?`, id)
	if err != nil {
		return fmt.Errorf("delete recipe: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipe(row rowScanner) (model.AgentRecipe, error) {
	var rec model.AgentRecipe
	var tagsJSON, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Template, &tagsJSON, &rec.UsageCount, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentRecipe{}, err
		}
		return model.AgentRecipe{}, fmt.Errorf("scan recipe: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return model.AgentRecipe{}, fmt.Errorf("parse tags: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func newRecipeID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate recipe id: %w", err)
	}
	return "rcp-" + hex.EncodeToString(buf), nil
}
