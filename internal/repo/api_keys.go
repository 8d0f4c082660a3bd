package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
)

// HashAPIKey returns the storage hash for a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey stores a new key for an actor and returns the row.
func (r Repo) CreateAPIKey(ctx context.Context, orgID, actorID, name, rawKey string) (domain.APIKey, error) {
	k := domain.APIKey{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,org_id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		k.ID, k.OrgID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, err
	}
	return k, nil
}

// GetAPIKeyByHash looks up a key by its storage hash.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,actor_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&k.ID, &k.OrgID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, nil
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
