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

package store

import (
	"context"
	"fmt"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// PutArtifacts records the files extracted from a run's workspace.
func (s *Store) PutArtifacts(ctx context.Context, artifacts []*types.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (run_id, filename, rel_path, size, sha256, mime_type)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, rel_path) DO UPDATE SET
				size = excluded.size,
				sha256 = excluded.sha256,
				mime_type = excluded.mime_type
		`, a.RunID, a.Filename, a.RelPath, a.Size, a.SHA256, a.MimeType); err != nil {
			return fmt.Errorf("failed to store artifact %s: %w", a.RelPath, err)
		}
	}
	return tx.Commit()
}

// ListArtifacts returns a run's extracted artifacts.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*types.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, filename, rel_path, size, sha256, mime_type
		FROM artifacts WHERE run_id = ?
		ORDER BY rel_path ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	for rows.Next() {
		var a types.Artifact
		if err := rows.Scan(&a.RunID, &a.Filename, &a.RelPath, &a.Size,
			&a.SHA256, &a.MimeType); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
