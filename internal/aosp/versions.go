// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package aosp

import (
	"context"

	"artprobe/internal/android"
)

// History is the subset of Repo used to mine tag history.
type History interface {
	// Tags lists all tags ordered by committer date, oldest first.
	Tags(ctx context.Context) ([]string, error)
	// Diff returns the diff of path between two tags.
	Diff(ctx context.Context, prev, next, path string) (string, error)
}

// TagsAffecting returns the release tags at which the content of at least
// one of paths could have changed: for each path, the earliest release tag
// plus every release tag whose path-scoped diff against the previous
// release tag is non-empty. The per-path results are unioned preserving
// first-seen order, without duplicates.
//
// Probing a path at exactly these tags observes every distinct content
// state the path ever had at a release tag.
func TagsAffecting(ctx context.Context, h History, paths ...string) ([]string, error) {
	var tags []string
	seen := make(map[string]struct{})
	for _, path := range paths {
		affecting, err := tagsAffectingPath(ctx, h, path)
		if err != nil {
			return nil, err
		}
		for _, tag := range affecting {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func tagsAffectingPath(ctx context.Context, h History, path string) ([]string, error) {
	all, err := h.Tags(ctx)
	if err != nil {
		return nil, err
	}

	var result []string
	var prev string
	for _, tag := range all {
		if !eligible(tag) {
			continue
		}

		if prev == "" {
			result = append(result, tag)
		} else {
			diff, err := h.Diff(ctx, prev, tag, path)
			if err != nil {
				return nil, err
			}
			if len(diff) > 0 {
				result = append(result, tag)
			}
		}

		prev = tag
	}
	return result, nil
}

// eligible reports whether tag names an Android release in scope (the
// release naming convention, Android 5 or newer).
func eligible(tag string) bool {
	major, _, ok := android.ParseTag(tag)
	return ok && major >= 5
}
