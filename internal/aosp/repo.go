// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package aosp mines the version history of AOSP project checkouts and
// materializes per-tag worktrees.
package aosp

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Repo runs git against a single AOSP project checkout.
//
// Any git failure is unrecoverable for the whole run: the returned error
// carries the captured stderr so the caller can surface it before aborting.
type Repo struct {
	log logr.Logger

	dir     string
	timeout time.Duration
}

// NewRepo returns a Repo for the project checkout at dir. Each git
// invocation is bounded by timeout.
func NewRepo(l logr.Logger, dir string, timeout time.Duration) *Repo {
	return &Repo{log: l.WithName("repo"), dir: dir, timeout: timeout}
}

// Dir returns the project checkout directory.
func (r *Repo) Dir() string { return r.dir }

// Tags lists all tags of the project ordered by committer date, oldest
// first.
func (r *Repo) Tags(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "tag", "--sort=committerdate")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Diff returns the diff of path between the prev and next tags. An empty
// return value means the content of path is identical at both tags.
func (r *Repo) Diff(ctx context.Context, prev, next, path string) (string, error) {
	return r.git(ctx, "diff", prev, next, "--", path)
}

// AddWorktree checks tag out into a new read/write worktree at dir.
func (r *Repo) AddWorktree(ctx context.Context, dir, tag string) error {
	_, err := r.git(ctx, "worktree", "add", dir, tag)
	return err
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.log.V(2).Info("running git", "dir", r.dir, "args", args)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git %s in %s: %s",
			strings.Join(args, " "), r.dir, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
