package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"annotask/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func validateAPIKey(key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ContributorID == "" {
		return errors.New("contributor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	return nil
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r *SQL) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if err := validateAPIKey(key); err != nil {
		return err
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := r.exec(ctx, `INSERT INTO api_keys(id, contributor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ContributorID, nullable(key.Name), key.KeyHash, formatTS(key.CreatedAt))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r *SQL) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.queryRow(ctx, `SELECT id, contributor_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	var created string
	err := row.Scan(&key.ID, &key.ContributorID, &key.Name, &key.KeyHash, &created)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	key.CreatedAt = parseTS(created)
	return key, nil
}
