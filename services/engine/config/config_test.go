// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8980", cfg.Server.Addr)
	assert.Equal(t, "localhost:8080", cfg.Weaviate.Host)
	assert.Equal(t, 8, cfg.Engine.MaxSteps)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
engine:
  max_steps: 12
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 12, cfg.Engine.MaxSteps)
	// Untouched sections keep their defaults.
	assert.Equal(t, "http", cfg.Weaviate.Scheme)
}

func TestLoadEnvOverridesWin(t *testing.T) {
	t.Setenv("ANSWERS_ADDR", ":7777")
	t.Setenv("WEAVIATE_HOST", "weaviate.internal:8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "weaviate.internal:8080", cfg.Weaviate.Host)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
weaviate:
  scheme: gopher
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDomainsEmbeddedRegistry(t *testing.T) {
	reg, err := LoadDomains()
	require.NoError(t, err)
	require.NotEmpty(t, reg.Domains)

	for _, d := range reg.Domains {
		assert.NotEmpty(t, d.Collection, "domain %s", d.Name)
		for _, fb := range d.Fallbacks {
			assert.NotNil(t, reg.Get(fb), "domain %s fallback %s", d.Name, fb)
		}
	}
	assert.Nil(t, reg.Get("no-such-domain"))
}

func TestParseDomainsValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "empty registry",
			yaml:    `domains: []`,
			wantErr: ErrNoDomains,
		},
		{
			name: "duplicate name",
			yaml: `
domains:
  - name: a
    collection: A
    keywords: {x: 1.0}
  - name: a
    collection: B
    keywords: {y: 1.0}
`,
			wantErr: ErrDuplicateDomain,
		},
		{
			name: "unknown fallback",
			yaml: `
domains:
  - name: a
    collection: A
    keywords: {x: 1.0}
    fallbacks: [ghost]
`,
			wantErr: ErrUnknownFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDomains([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseDomainsRejectsBadWeights(t *testing.T) {
	_, err := ParseDomains([]byte(`
domains:
  - name: a
    collection: A
    keywords: {x: 1.5}
`))
	assert.Error(t, err)

	_, err = ParseDomains([]byte(`
domains:
  - name: a
    collection: A
    keywords: {x: 0}
`))
	assert.Error(t, err)
}

func TestParseDomainsRejectsSelfFallback(t *testing.T) {
	_, err := ParseDomains([]byte(`
domains:
  - name: a
    collection: A
    keywords: {x: 1.0}
    fallbacks: [a]
`))
	assert.Error(t, err)
}
