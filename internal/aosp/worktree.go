// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package aosp

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"artprobe/internal/android"
)

// Worktrees materializes per-tag source trees of AOSP projects, memoized
// on disk under a cache root.
//
// A (project, tag) pair maps to exactly one tree for the lifetime of the
// cache. Once created a tree is never re-fetched; callers may mutate it,
// so reuse is only safe when the mutation is idempotent.
type Worktrees struct {
	log logr.Logger

	aospDir  string
	cacheDir string
	timeout  time.Duration

	group singleflight.Group
}

// NewWorktrees returns a Worktrees backed by the canonical project clones
// under aospDir, caching trees under cacheDir.
func NewWorktrees(l logr.Logger, aospDir, cacheDir string, timeout time.Duration) *Worktrees {
	return &Worktrees{
		log:      l.WithName("worktrees"),
		aospDir:  aospDir,
		cacheDir: cacheDir,
		timeout:  timeout,
	}
}

// Get returns the directory holding project checked out at ver, creating
// it if needed. project is a slash-separated AOSP project path such as
// "platform/art". Concurrent calls for the same (project, tag) share one
// checkout creation.
func (w *Worktrees) Get(ctx context.Context, project string, ver android.Version) (string, error) {
	dir := filepath.Join(w.cacheDir, ver.Tag, filepath.FromSlash(project))
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir, nil
	}

	key := project + "@" + ver.Tag
	_, err, _ := w.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight: another caller may have just
		// created the tree.
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return nil, nil
		}

		w.log.Info("creating worktree", "project", project, "tag", ver.Tag, "dir", dir)
		repo := NewRepo(w.log, filepath.Join(w.aospDir, filepath.FromSlash(project)), w.timeout)
		return nil, repo.AddWorktree(ctx, dir, ver.Tag)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}
