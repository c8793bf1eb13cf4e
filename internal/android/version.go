// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package android maps AOSP release tags to Android versions and API levels.
package android

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hashicorp/go-version"
)

// tagPattern matches AOSP release tags. Pre-release codename tags
// ("android-q-...") carry no numeric version and map to 10.0.
var tagPattern = regexp.MustCompile(`^android-((\d)\.(\d)|(q)-)`)

// apiLevels maps "major.minor" release versions to their API level.
var apiLevels = map[string]int{
	"5.0":  21,
	"5.1":  22,
	"6.0":  23,
	"7.0":  24,
	"7.1":  25,
	"8.0":  26,
	"8.1":  27,
	"9.0":  28,
	"10.0": 29,
}

// Version is an Android release derived from an AOSP tag. It is immutable
// once constructed.
type Version struct {
	Tag      string
	Major    int
	Minor    int
	APILevel int

	semver *version.Version
}

// ParseTag returns the major and minor release version encoded in an AOSP
// tag name, or false if the tag does not follow the release naming
// convention.
func ParseTag(tag string) (major, minor int, ok bool) {
	m := tagPattern.FindStringSubmatch(tag)
	if m == nil {
		return 0, 0, false
	}

	if m[4] == "q" {
		return 10, 0, true
	}

	major, _ = strconv.Atoi(m[2])
	minor, _ = strconv.Atoi(m[3])
	return major, minor, true
}

// FromTag constructs the Version an AOSP release tag describes.
//
// Tags that do not follow the release naming convention, predate Android 5,
// or name a release with no known API level are rejected.
func FromTag(tag string) (Version, error) {
	major, minor, ok := ParseTag(tag)
	if !ok {
		return Version{}, fmt.Errorf("tag %q does not name an Android release", tag)
	}
	if major < 5 {
		return Version{}, fmt.Errorf("tag %q predates Android 5", tag)
	}

	rel := fmt.Sprintf("%d.%d", major, minor)
	api, ok := apiLevels[rel]
	if !ok {
		return Version{}, fmt.Errorf("no known API level for Android %s (tag %q)", rel, tag)
	}

	semver, err := version.NewVersion(rel)
	if err != nil {
		return Version{}, err
	}

	return Version{
		Tag:      tag,
		Major:    major,
		Minor:    minor,
		APILevel: api,
		semver:   semver,
	}, nil
}

// Semver returns the release as a comparable version value.
func (v Version) Semver() *version.Version { return v.semver }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d (API %d, %s)", v.Major, v.Minor, v.APILevel, v.Tag)
}
