// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package aosp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artprobe/internal/android"
)

func TestWorktreesReuseExisting(t *testing.T) {
	cache := t.TempDir()
	ver, err := android.FromTag("android-7.0.0_r1")
	require.NoError(t, err)

	want := filepath.Join(cache, ver.Tag, "platform", "art")
	require.NoError(t, os.MkdirAll(want, 0o755))

	// The AOSP dir does not exist: any attempt to create a worktree would
	// fail, so a successful Get proves the cached tree was reused.
	w := NewWorktrees(logr.Discard(), filepath.Join(cache, "no-such-aosp"), cache, time.Minute)

	got, err := w.Get(context.Background(), "platform/art", ver)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Repeated lookups are stable.
	again, err := w.Get(context.Background(), "platform/art", ver)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestWorktreesMissingCheckout(t *testing.T) {
	cache := t.TempDir()
	ver, err := android.FromTag("android-7.0.0_r1")
	require.NoError(t, err)

	w := NewWorktrees(logr.Discard(), filepath.Join(cache, "no-such-aosp"), cache, time.Minute)

	_, err = w.Get(context.Background(), "platform/art", ver)
	assert.Error(t, err, "creating a worktree without a canonical clone must fail")
}
