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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// ErrAlreadyAnswered is returned when answering a question that is no
// longer pending.
var ErrAlreadyAnswered = errors.New("store: question is not pending")

// CreateQuestion persists a pending question request.
func (s *Store) CreateQuestion(ctx context.Context, q *types.QuestionRequest) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = types.QuestionPending
	}
	questions, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("failed to marshal questions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_questions (id, run_id, task_id, questions, status, source_tool, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.RunID, q.TaskID, questions, string(q.Status), q.SourceTool, q.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create question request: %w", err)
	}
	return nil
}

// GetQuestion retrieves a question request by id.
func (s *Store) GetQuestion(ctx context.Context, id string) (*types.QuestionRequest, error) {
	var q types.QuestionRequest
	var questions []byte
	var answers, answeredRunID, sourceTool sql.NullString
	var status string
	var created int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, task_id, questions, status, answers, answered_run_id, source_tool, created_at
		FROM run_questions WHERE id = ?
	`, id).Scan(&q.ID, &q.RunID, &q.TaskID, &questions, &status, &answers,
		&answeredRunID, &sourceTool, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question request: %w", err)
	}

	if err := json.Unmarshal(questions, &q.Questions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal questions: %w", err)
	}
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &q.Answers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
		}
	}
	q.Status = types.QuestionStatus(status)
	q.AnsweredRunID = answeredRunID.String
	q.SourceTool = sourceTool.String
	q.CreatedAt = time.Unix(0, created).UTC()
	return &q, nil
}

// AnswerQuestion transitions a question from pending to answered,
// recording the answers and the follow-up run created from them. The
// guarded update makes the transition atomic: a second answer loses the
// race and gets ErrAlreadyAnswered.
func (s *Store) AnswerQuestion(ctx context.Context, id string, answers map[string]string, answeredRunID string) error {
	data, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_questions
		SET status = ?, answers = ?, answered_run_id = ?
		WHERE id = ? AND status = ?
	`, string(types.QuestionAnswered), data, answeredRunID, id, string(types.QuestionPending))
	if err != nil {
		return fmt.Errorf("failed to answer question: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetQuestion(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyAnswered
	}
	return nil
}

// ExpireQuestions marks pending questions of a run as expired, used when
// the run reaches a terminal state with questions still open.
func (s *Store) ExpireQuestions(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_questions SET status = ?
		WHERE run_id = ? AND status = ?
	`, string(types.QuestionExpired), runID, string(types.QuestionPending))
	if err != nil {
		return 0, fmt.Errorf("failed to expire questions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingQuestions lists pending question requests for a run.
func (s *Store) PendingQuestions(ctx context.Context, runID string) ([]*types.QuestionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM run_questions WHERE run_id = ? AND status = ?
		ORDER BY created_at ASC
	`, runID, string(types.QuestionPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending questions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan question id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*types.QuestionRequest
	for _, id := range ids {
		q, err := s.GetQuestion(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
