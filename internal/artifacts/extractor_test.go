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

package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func relPaths(artifacts []*types.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.RelPath)
	}
	return out
}

func TestExtractDefaultPatterns(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "fix.patch", "--- a\n+++ b\n")
	writeFile(t, workspace, "docs/report.md", "# report\n")
	writeFile(t, workspace, "main.go", "package main\n")

	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"fix.patch", "docs/report.md"}, relPaths(got))
}

func TestExtractSkipsExcludedDirs(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, ".git/config.md", "x")
	writeFile(t, workspace, "node_modules/pkg/readme.md", "x")
	writeFile(t, workspace, "src/notes.md", "x")

	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{})
	require.NoError(t, err)

	assert.Equal(t, []string{"src/notes.md"}, relPaths(got))
}

func TestExtractCustomPatterns(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "out/screenshot.png", "png")
	writeFile(t, workspace, "notes.md", "md")

	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{
		Patterns: []string{"**/*.png"},
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "out/screenshot.png", got[0].RelPath)
	assert.Equal(t, "image/png", got[0].MimeType)
}

func TestExtractMaxArtifactsSmallestFirst(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "big.log", "aaaaaaaaaaaaaaaaaaaa")
	writeFile(t, workspace, "small.log", "a")
	writeFile(t, workspace, "medium.log", "aaaaa")

	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{
		MaxArtifacts: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"small.log", "medium.log"}, relPaths(got))
}

func TestExtractMaxTotalBytes(t *testing.T) {
	workspace := t.TempDir()
	writeFile(t, workspace, "a.log", "aa")
	writeFile(t, workspace, "b.log", "bbbb")
	writeFile(t, workspace, "c.log", "cccccccc")

	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{
		MaxTotalBytes: 6,
	})
	require.NoError(t, err)

	// The file that would break the cap is skipped; smaller ones still fit.
	assert.Equal(t, []string{"a.log", "b.log"}, relPaths(got))
}

func TestExtractCopiesAndHashes(t *testing.T) {
	workspace := t.TempDir()
	storeDir := t.TempDir()
	content := "--- a/main.go\n+++ b/main.go\n"
	writeFile(t, workspace, "out/fix.patch", content)

	e := New(storeDir, nil)
	got, err := e.Extract(context.Background(), "run-1", workspace, types.ArtifactPolicy{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	a := got[0]
	assert.Equal(t, "run-1", a.RunID)
	assert.Equal(t, "fix.patch", a.Filename)
	assert.Equal(t, int64(len(content)), a.Size)
	assert.Equal(t, "text/x-patch", a.MimeType)

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), a.SHA256)

	copied, err := os.ReadFile(filepath.Join(storeDir, "run-1", "out", "fix.patch"))
	require.NoError(t, err)
	assert.Equal(t, content, string(copied))
}

func TestExtractEmptyWorkspace(t *testing.T) {
	e := New(t.TempDir(), nil)
	got, err := e.Extract(context.Background(), "run-1", t.TempDir(), types.ArtifactPolicy{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
