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

// Package artifacts collects run outputs from the workspace into the
// artifact store, subject to the task's artifact policy.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// DefaultMaxArtifacts caps the file count when the policy leaves it unset.
const DefaultMaxArtifacts = 100

// DefaultPatterns is the allowlist applied when the task's policy names
// no patterns of its own.
var DefaultPatterns = []string{
	"**/*.patch", "**/*.diff",
	"**/*.md", "**/*.json", "**/*.yml", "**/*.yaml",
	"**/*.log", "**/*.txt", "**/*.xml", "**/*.html",
	"**/*.png", "**/*.jpg", "**/*.jpeg", "**/*.gif", "**/*.svg",
	"**/*.mp4", "**/*.webm",
	"**/*.zip", "**/*.tar", "**/*.gz",
	"**/*.har", "**/*.trace",
}

// excludedDirs are path components that never yield artifacts.
var excludedDirs = map[string]bool{
	".git": true, ".github": true, "node_modules": true,
	"bin": true, "obj": true, "dist": true, "build": true,
	".venv": true, "venv": true, "__pycache__": true,
	".idea": true, ".vscode": true,
}

// mimeByExt is the fixed extension table for artifact MIME types.
var mimeByExt = map[string]string{
	".patch": "text/x-patch",
	".diff":  "text/x-patch",
	".md":    "text/markdown",
	".json":  "application/json",
	".yml":   "application/yaml",
	".yaml":  "application/yaml",
	".log":   "text/plain",
	".txt":   "text/plain",
	".xml":   "application/xml",
	".html":  "text/html",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".zip":   "application/zip",
	".tar":   "application/x-tar",
	".gz":    "application/gzip",
	".har":   "application/json",
	".trace": "application/octet-stream",
}

// Extractor copies matching workspace files into the artifact store.
type Extractor struct {
	storeDir string
	logger   *slog.Logger
}

// New creates an extractor rooted at storeDir; artifacts land under
// storeDir/<run-id>/ preserving their workspace-relative layout.
func New(storeDir string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		storeDir: storeDir,
		logger:   logger.With(slog.String("component", "artifacts")),
	}
}

type candidate struct {
	relPath string
	size    int64
}

// Extract scans the workspace after a run and copies matching files.
// One unreadable file never aborts the scan; it is logged and skipped.
func (e *Extractor) Extract(ctx context.Context, runID, workspace string, policy types.ArtifactPolicy) ([]*types.Artifact, error) {
	patterns := policy.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	maxFiles := policy.MaxArtifacts
	if maxFiles <= 0 {
		maxFiles = DefaultMaxArtifacts
	}

	var candidates []candidate
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(patterns, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			e.logger.Warn("skipping unstatable file", "path", path, "error", err)
			return nil
		}
		candidates = append(candidates, candidate{relPath: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	// Smallest first maximises the file count under the byte cap.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].size != candidates[j].size {
			return candidates[i].size < candidates[j].size
		}
		return candidates[i].relPath < candidates[j].relPath
	})

	var (
		extracted  []*types.Artifact
		totalBytes int64
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return extracted, err
		}
		if len(extracted) >= maxFiles {
			break
		}
		if policy.MaxTotalBytes > 0 && totalBytes+c.size > policy.MaxTotalBytes {
			continue
		}

		artifact, err := e.copyOne(runID, workspace, c)
		if err != nil {
			e.logger.Warn("failed to extract artifact",
				"run_id", runID, "path", c.relPath, "error", err)
			continue
		}
		extracted = append(extracted, artifact)
		totalBytes += c.size
	}

	e.logger.Info("artifact extraction complete",
		"run_id", runID, "candidates", len(candidates),
		"extracted", len(extracted), "total_bytes", totalBytes)
	return extracted, nil
}

// copyOne copies a single file into the store, hashing the source bytes
// as they stream through.
func (e *Extractor) copyOne(runID, workspace string, c candidate) (*types.Artifact, error) {
	src, err := os.Open(filepath.Join(workspace, filepath.FromSlash(c.relPath)))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	destPath := filepath.Join(e.storeDir, runID, filepath.FromSlash(c.relPath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, err
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, err
	}
	defer dest.Close()

	hasher := sha256.New()
	size, err := io.Copy(dest, io.TeeReader(src, hasher))
	if err != nil {
		os.Remove(destPath)
		return nil, err
	}

	return &types.Artifact{
		RunID:    runID,
		Filename: filepath.Base(c.relPath),
		RelPath:  c.relPath,
		Size:     size,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		MimeType: mimeFor(c.relPath),
	}, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func mimeFor(path string) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return "application/octet-stream"
}
