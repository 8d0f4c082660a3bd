package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseflow/internal/domain"
)

const connectorColumns = `id,org_id,type,name,status,config_json,metadata_json,last_synced_at,last_error,created_at,updated_at`

func scanConnector(scan func(dest ...any) error) (domain.Connector, error) {
	var c domain.Connector
	var config, metadata, lastSynced, lastError sql.NullString
	err := scan(&c.ID, &c.OrgID, &c.Type, &c.Name, &c.Status, &config, &metadata, &lastSynced, &lastError,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ConfigJSON = fromNull(config)
	c.MetadataJSON = fromNull(metadata)
	c.LastSyncedAt = fromNull(lastSynced)
	c.LastError = fromNull(lastError)
	return c, nil
}

// UpsertConnector registers a connector keyed by (org, type, name). The id of
// an existing registration is preserved.
func (r Repo) UpsertConnector(ctx context.Context, tx *sql.Tx, c domain.Connector) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO org_connectors(`+connectorColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(org_id,type,name) DO UPDATE SET status=excluded.status, config_json=excluded.config_json, metadata_json=excluded.metadata_json, updated_at=excluded.updated_at`,
		c.ID, c.OrgID, c.Type, c.Name, c.Status, nullableStringPtr(c.ConfigJSON), nullableStringPtr(c.MetadataJSON),
		nullableStringPtr(c.LastSyncedAt), nullableStringPtr(c.LastError), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConnectorByKey(ctx context.Context, orgID, connType, name string) (domain.Connector, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+connectorColumns+` FROM org_connectors WHERE org_id=? AND type=? AND name=?`, orgID, connType, name)
	return scanConnector(row.Scan)
}

type ConnectorFilters struct {
	OrgID  string
	Type   string
	Status string
}

func (r Repo) ListConnectors(ctx context.Context, f ConnectorFilters) ([]domain.Connector, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + connectorColumns + ` FROM org_connectors WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY type ASC, name ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Connector
	for rows.Next() {
		c, err := scanConnector(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetConnectorSyncState records the result of the latest connector sync.
func (r Repo) SetConnectorSyncState(ctx context.Context, id, status string, syncedAt string, lastError *string, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE org_connectors SET status=?, last_synced_at=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(syncedAt), nullableStringPtr(lastError), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- webhooks ---

func (r Repo) InsertWebhook(ctx context.Context, w domain.Webhook) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,org_id,url,secret,event_types_json,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.OrgID, w.URL, w.Secret, w.EventTypesJSON, w.CreatedAt)
	return err
}

func (r Repo) ListWebhooks(ctx context.Context, orgID string) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,url,secret,event_types_json,created_at FROM webhooks WHERE org_id=?`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		if err := rows.Scan(&w.ID, &w.OrgID, &w.URL, &w.Secret, &w.EventTypesJSON, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWebhook(ctx context.Context, orgID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE org_id=? AND id=?`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
