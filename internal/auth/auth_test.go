// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptax/comptax-cli/internal/config"
)

func TestStatic(t *testing.T) {
	tok, ok := Static("  abc \n").Token()
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = Anonymous.Token()
	assert.False(t, ok)
}

func TestEnv_ReadsOnEveryCall(t *testing.T) {
	t.Setenv("COMPTAX_TEST_TOKEN", "")
	src := Env("COMPTAX_TEST_TOKEN")
	_, ok := src.Token()
	assert.False(t, ok)

	t.Setenv("COMPTAX_TEST_TOKEN", "later")
	tok, ok := src.Token()
	assert.True(t, ok)
	assert.Equal(t, "later", tok)
}

func TestFileTokenSource_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0600))

	src, err := NewFileTokenSource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	tok, ok := src.Token()
	require.True(t, ok)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0600))
	assert.Eventually(t, func() bool {
		tok, _ := src.Token()
		return tok == "second"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		_, ok := src.Token()
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileTokenSource_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("mine"), 0600))

	src, err := NewFileTokenSource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("theirs"), 0600))
	time.Sleep(100 * time.Millisecond)

	tok, _ := src.Token()
	assert.Equal(t, "mine", tok)
}

func TestFileTokenSource_MissingFile(t *testing.T) {
	_, err := NewFileTokenSource(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Token = "inline"
	src, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, Static("inline"), src)

	cfg.Auth.TokenFile = filepath.Join(t.TempDir(), "missing")
	_, err = FromConfig(cfg, nil)
	assert.ErrorIs(t, err, ErrTokenFileMissing)

	cfg = config.Default()
	src, err = FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, Env(DefaultEnvVar), src)
}
