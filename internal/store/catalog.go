// Copyright 2025 The Agents Dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Project, repository and provider-secret persistence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// PutProject inserts or updates a project.
func (s *Store) PutProject(ctx context.Context, p *types.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, p.ID, p.Name, p.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return &p, nil
}

// PutRepository inserts or updates a repository.
func (s *Store) PutRepository(ctx context.Context, r *types.Repository) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	defaults, err := json.Marshal(r.Defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal task defaults: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, project_id, remote_url, local_path, default_branch, defaults, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_url = excluded.remote_url,
			local_path = excluded.local_path,
			default_branch = excluded.default_branch,
			defaults = excluded.defaults
	`, r.ID, r.ProjectID, r.RemoteURL, r.LocalPath, r.DefaultBranch, defaults, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store repository: %w", err)
	}
	return nil
}

// GetRepository retrieves a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	var r types.Repository
	var defaults []byte
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, remote_url, local_path, default_branch, defaults, created_at
		FROM repositories WHERE id = ?
	`, id).Scan(&r.ID, &r.ProjectID, &r.RemoteURL, &r.LocalPath, &r.DefaultBranch, &defaults, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &r.Defaults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task defaults: %w", err)
		}
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// PutProviderSecret stores an encrypted provider credential.
func (s *Store) PutProviderSecret(ctx context.Context, sec *types.ProviderSecret) error {
	if sec.UpdatedAt.IsZero() {
		sec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_secrets (repository_id, provider, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repository_id, provider) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, sec.RepositoryID, sec.Provider, sec.Value, sec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store provider secret: %w", err)
	}
	return nil
}

// GetProviderSecret retrieves a provider credential for a repository.
func (s *Store) GetProviderSecret(ctx context.Context, repositoryID, provider string) (*types.ProviderSecret, error) {
	var sec types.ProviderSecret
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT repository_id, provider, value, updated_at
		FROM provider_secrets WHERE repository_id = ? AND provider = ?
	`, repositoryID, provider).Scan(&sec.RepositoryID, &sec.Provider, &sec.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider secret: %w", err)
	}
	sec.UpdatedAt = time.Unix(0, updated).UTC()
	return &sec, nil
}

// ListSecretValues returns every stored secret value for a repository,
// for seeding the redactor at dispatch time.
func (s *Store) ListSecretValues(ctx context.Context, repositoryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM provider_secrets WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
