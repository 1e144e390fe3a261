package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgatlas.dev/config"
	"orgatlas.dev/pipeline"
)

func TestResolvePhases(t *testing.T) {
	cases := []struct {
		name   string
		phases []string
		with   map[string]bool
		dryRun bool
		want   []string
	}{
		{
			name: "empty selects everything",
			want: pipeline.AllPhases,
		},
		{
			name:   "explicit phases win over sugar",
			phases: []string{"enumerate", "describe"},
			with:   map[string]bool{pipeline.PhaseStats: true},
			want:   []string{"enumerate", "describe"},
		},
		{
			name: "with flags build the core plus selection",
			with: map[string]bool{pipeline.PhaseAutomation: true},
			want: []string{"enumerate", "describe", "automation", "emit", "upload"},
		},
		{
			name:   "dry run drops upload",
			with:   map[string]bool{pipeline.PhaseStats: true},
			dryRun: true,
			want:   []string{"enumerate", "describe", "stats", "emit"},
		},
		{
			name:   "upload pulls in prerequisites",
			phases: []string{"upload"},
			want:   []string{"describe", "emit", "upload"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolvePhases(tc.phases, tc.with, tc.dryRun)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolvePhasesRejectsUnknown(t *testing.T) {
	_, err := resolvePhases([]string{"transmogrify"}, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmogrify")
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.Config{}
	cmd := runCmd
	require.NoError(t, cmd.Flags().Set("max-workers", "4"))
	require.NoError(t, cmd.Flags().Set("namespace", "staging"))
	require.NoError(t, cmd.Flags().Set("org", "sandbox"))
	defer func() {
		_ = cmd.Flags().Set("max-workers", "0")
		_ = cmd.Flags().Set("namespace", "")
		_ = cmd.Flags().Set("org", "")
	}()

	applyFlags(cmd, cfg)

	assert.Equal(t, 4, cfg.Pools.Describe)
	assert.Equal(t, 4, cfg.Pools.Enrich)
	assert.Equal(t, "staging", cfg.Vector.Namespace)
	assert.Equal(t, "sandbox", cfg.Org.Alias)
	// Untouched flags leave the config alone.
	assert.Zero(t, cfg.Vector.EmbedBatch)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "orgatlas 0.1.0")
	assert.Contains(t, out.String(), "corpus schema 1")
}
