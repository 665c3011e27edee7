package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"phaseline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, q Querier, key domain.APIKey) error {
	const op = "insert api key"
	switch {
	case key.ID == "":
		return domain.Validation(op, "id required")
	case key.ActorID == "":
		return domain.Validation(op, "actor_id required")
	case !key.Role.Valid() || key.Role == domain.RoleSystem:
		return domain.Validation(op, "role must be client, contractor or verifier")
	case key.KeyHash == "":
		return domain.Validation(op, "key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,role,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, key.Role, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt))
	return err
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	var created string
	if err := scan(&key.ID, &key.ActorID, &key.Role, &key.Name, &key.KeyHash, &created); err != nil {
		return key, err
	}
	var err error
	key.CreatedAt, err = parseTime(created)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT id,actor_id,role,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT id,actor_id,role,COALESCE(name,''),key_hash,created_at FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Validation("delete api key", "id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
