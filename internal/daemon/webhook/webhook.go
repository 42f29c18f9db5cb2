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

// Package webhook ingests external events and fans them out to the
// event-driven tasks of the targeted repository.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/scheduler"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// maxBodyBytes caps the accepted webhook payload size.
const maxBodyBytes = 1 << 20

// Handler serves POST /api/webhooks/{repository-id}/{token}.
type Handler struct {
	store      *store.Store
	dispatcher scheduler.Dispatcher
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// NewHandler creates the webhook handler. Ingestion is rate-limited
// globally; bursts beyond the limit get 429.
func NewHandler(st *store.Store, d scheduler.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      st,
		dispatcher: d,
		logger:     logger.With(slog.String("component", "webhook")),
		limiter:    rate.NewLimiter(rate.Limit(10), 30),
	}
}

// Response is the JSON body returned on accepted webhooks.
type Response struct {
	Dispatched int      `json:"dispatched"`
	Failed     []string `json:"failed,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	repoID, token, ok := splitPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	secret, err := h.store.GetProviderSecret(r.Context(), repoID, types.WebhookTokenProvider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same response as a bad token so the path does not leak
			// which repositories exist.
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !verify(r, body, token, secret.Value) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tasks, err := h.store.EventTasks(r.Context(), repoID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := &Response{}
	for _, task := range tasks {
		if _, err := h.dispatcher.Dispatch(r.Context(), &dispatch.Request{Task: task}); err != nil {
			// Per-task failures never block fan-out to siblings.
			h.logger.Warn("webhook dispatch failed",
				"repo_id", repoID, "task_id", task.ID, "error", err)
			resp.Failed = append(resp.Failed, task.ID)
			continue
		}
		resp.Dispatched++
	}

	h.logger.Info("webhook accepted",
		"repo_id", repoID, "dispatched", resp.Dispatched, "failed", len(resp.Failed))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// splitPath extracts {repository-id, token} from
// /api/webhooks/{repository-id}/{token}.
func splitPath(path string) (repoID, token string, ok bool) {
	rest, found := strings.CutPrefix(path, "/api/webhooks/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// verify accepts either the path token matching the stored secret, or
// an HMAC-SHA256 signature of the body in X-Webhook-Signature. Both
// comparisons are constant-time.
func verify(r *http.Request, body []byte, pathToken, secret string) bool {
	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		sig = strings.TrimPrefix(sig, "sha256=")
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	return subtle.ConstantTimeCompare([]byte(pathToken), []byte(secret)) == 1
}
