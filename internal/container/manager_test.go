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

package container

import (
	"context"
	"testing"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// applyProfile builds a minimal runtime spec and applies the profile's
// options to it, the same way containerd does during Create.
func applyProfile(t *testing.T, p types.SandboxProfile) *specs.Spec {
	t.Helper()
	s := &specs.Spec{
		Root: &specs.Root{},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.NetworkNamespace},
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
	require.NoError(t, oci.ApplyOpts(context.Background(), nil, &containers.Container{}, s, profileOpts(p)...))
	return s
}

func hasNamespace(s *specs.Spec, ns specs.LinuxNamespaceType) bool {
	for _, n := range s.Linux.Namespaces {
		if n.Type == ns {
			return true
		}
	}
	return false
}

func TestProfileOptsDefaults(t *testing.T) {
	s := applyProfile(t, types.SandboxProfile{})

	require.NotNil(t, s.Linux.Resources)
	require.NotNil(t, s.Linux.Resources.CPU.Quota)
	assert.Equal(t, int64(defaultCPULimit*cfsPeriodMicros), *s.Linux.Resources.CPU.Quota)
	require.NotNil(t, s.Linux.Resources.Memory.Limit)
	assert.Equal(t, int64(defaultMemoryBytes), *s.Linux.Resources.Memory.Limit)
	assert.False(t, s.Root.Readonly)

	// The default sandbox shares the host network so the harness can
	// reach its provider API.
	assert.False(t, hasNamespace(s, specs.NetworkNamespace))
	assert.True(t, hasNamespace(s, specs.PIDNamespace))
}

func TestProfileOptsNetworkDisabledKeepsPrivateNamespace(t *testing.T) {
	s := applyProfile(t, types.SandboxProfile{NetworkDisabled: true})

	// The private namespace has only loopback, which is the isolation
	// NetworkDisabled asks for.
	assert.True(t, hasNamespace(s, specs.NetworkNamespace))
}

func TestProfileOptsLimitsAndReadOnlyRootFS(t *testing.T) {
	s := applyProfile(t, types.SandboxProfile{
		CPULimit:       0.5,
		MemoryLimit:    512 << 20,
		ReadOnlyRootFS: true,
	})

	require.NotNil(t, s.Linux.Resources.CPU.Quota)
	assert.Equal(t, int64(50000), *s.Linux.Resources.CPU.Quota)
	require.NotNil(t, s.Linux.Resources.Memory.Limit)
	assert.Equal(t, int64(512<<20), *s.Linux.Resources.Memory.Limit)
	assert.True(t, s.Root.Readonly)
}
