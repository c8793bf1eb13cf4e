// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package toolchain

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

// fixtureNDK lays out a fake NDK r21 install with the given toolchain
// binaries and returns its root.
func fixtureNDK(t *testing.T, bins ...string) string {
	t.Helper()
	root := t.TempDir()
	binDir := filepath.Join(root, "toolchains", "llvm", "prebuilt", "linux-x86_64", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	for _, b := range bins {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, b), []byte("#!/bin/sh\n"), 0o755))
	}
	return root
}

// fixtureStandalone lays out a cached standalone toolchain for arch and
// returns the cache root.
func fixtureStandalone(t *testing.T, arch string, bins ...string) string {
	t.Helper()
	cache := t.TempDir()
	binDir := filepath.Join(cache, "toolchains", arch+"-gcc", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	for _, b := range bins {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, b), []byte("#!/bin/sh\n"), 0o755))
	}
	return cache
}

func TestResolveClang(t *testing.T) {
	root := fixtureNDK(t,
		"aarch64-linux-android21-clang++",
		"aarch64-linux-android-objdump",
	)
	r := NewResolver(logr.Discard(), Config{NDKClangRoot: root, Timeout: time.Minute})

	tc, err := r.Resolve(context.Background(), "arm64", FlavorClang)
	require.NoError(t, err)

	prebuilt := filepath.Join(root, "toolchains", "llvm", "prebuilt", "linux-x86_64", "bin")
	assert.Equal(t, filepath.Join(prebuilt, "aarch64-linux-android21-clang++"), tc.CXX)
	assert.Equal(t, filepath.Join(prebuilt, "aarch64-linux-android-objdump"), tc.Objdump)
	assert.Equal(t, []string{"-std=c++2a", "-Wno-inconsistent-missing-override"}, tc.CXXFlags)
}

func TestResolveClangArm(t *testing.T) {
	// 32-bit arm uses the ABI-qualified triplet for the compiler, the
	// generic one for objdump, and targets API 16.
	root := fixtureNDK(t,
		"armv7a-linux-androideabi16-clang++",
		"arm-linux-androideabi-objdump",
	)
	r := NewResolver(logr.Discard(), Config{NDKClangRoot: root, Timeout: time.Minute})

	tc, err := r.Resolve(context.Background(), "arm", FlavorClang)
	require.NoError(t, err)

	assert.Contains(t, tc.CXX, "armv7a-linux-androideabi16-clang++")
	assert.Contains(t, tc.Objdump, "arm-linux-androideabi-objdump")
	assert.Equal(t, []string{
		"-std=c++2a",
		"-march=armv7-a",
		"-mthumb",
		"-Wno-inconsistent-missing-override",
	}, tc.CXXFlags)
}

func TestResolveGCCFromCache(t *testing.T) {
	cache := fixtureStandalone(t, "x86",
		"i686-linux-android-g++",
		"i686-linux-android-objdump",
	)
	r := NewResolver(logr.Discard(), Config{CacheDir: cache, Timeout: time.Minute})

	tc, err := r.Resolve(context.Background(), "x86", FlavorGCC)
	require.NoError(t, err)

	binDir := filepath.Join(cache, "toolchains", "x86-gcc", "bin")
	assert.Equal(t, filepath.Join(binDir, "i686-linux-android-g++"), tc.CXX)
	assert.Equal(t, filepath.Join(binDir, "i686-linux-android-objdump"), tc.Objdump)
	assert.Equal(t, []string{"-std=c++14"}, tc.CXXFlags)
}

func TestResolveDeterministic(t *testing.T) {
	root := fixtureNDK(t,
		"x86_64-linux-android21-clang++",
		"x86_64-linux-android-objdump",
	)
	r := NewResolver(logr.Discard(), Config{NDKClangRoot: root, Timeout: time.Minute})

	first, err := r.Resolve(context.Background(), "x86_64", FlavorClang)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "x86_64", FlavorClang)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveMissingRoot(t *testing.T) {
	r := NewResolver(logr.Discard(), Config{Timeout: time.Minute})

	_, err := r.Resolve(context.Background(), "arm64", FlavorClang)
	assert.ErrorContains(t, err, "ANDROID_NDK_R21_ROOT")

	// No cached standalone toolchain and no generator install.
	r = NewResolver(logr.Discard(), Config{CacheDir: t.TempDir(), Timeout: time.Minute})
	_, err = r.Resolve(context.Background(), "arm", FlavorGCC)
	assert.ErrorContains(t, err, "ANDROID_NDK_R17B_ROOT")
}

func TestResolveUnknownArch(t *testing.T) {
	r := NewResolver(logr.Discard(), Config{Timeout: time.Minute})
	_, err := r.Resolve(context.Background(), "mips", FlavorClang)
	assert.Error(t, err)
}

func TestFlavorFor(t *testing.T) {
	for tag, want := range map[string]Flavor{
		"android-5.1.1_r9":    FlavorGCC,
		"android-6.0.1_r81":   FlavorGCC,
		"android-7.0.0_r1":    FlavorClang,
		"android-q-preview-4": FlavorClang,
	} {
		ver, err := android.FromTag(tag)
		require.NoError(t, err)
		assert.Equal(t, want, FlavorFor(ver), "tag %s", tag)
	}
}
