// Package app wires workspace state (database, config file, manifest file)
// into a ready-to-use engine for the CLI and server entrypoints.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/manifest"
	"caseflow/internal/repo"
)

const defaultOrgID = "default-org"

// ResolveOrgAndConfig picks the active org and loads the workspace config,
// seeding defaults when missing. The org row is created on the fly so a fresh
// workspace works without a setup step.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	orgID := strings.TrimSpace(orgOverride)
	if orgID == "" {
		orgID = strings.TrimSpace(os.Getenv("CASEFLOW_DEFAULT_ORG"))
	}
	if orgID == "" {
		orgID = defaultOrgID
	}

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, orgID, now); err != nil {
		return "", nil, fmt.Errorf("ensure org: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return orgID, cfg, nil
}

// ResolveManifest loads the workspace manifest, falling back to the built-in
// agent catalog.
func ResolveManifest(workspace string) (*manifest.Manifest, error) {
	path := ManifestPath(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return manifest.Default(), nil
		}
		return nil, err
	}
	return manifest.FromFile(path)
}

// ManifestPath returns the manifest file path for a workspace.
func ManifestPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "manifest.yml")
}
