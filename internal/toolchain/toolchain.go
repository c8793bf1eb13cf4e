// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolchain resolves Android NDK cross toolchains for a target
// architecture.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"artprobe/internal/android"
)

// Flavor is a cross-compiler family.
type Flavor string

const (
	// FlavorClang is the unified LLVM toolchain shipped with NDK r21.
	FlavorClang Flavor = "clang"
	// FlavorGCC is a standalone GCC toolchain generated from NDK r17b.
	FlavorGCC Flavor = "gcc"
)

// FlavorFor returns the compiler flavor able to build the ART sources of
// ver. Android 7 switched the tree to clang-only constructs.
func FlavorFor(ver android.Version) Flavor {
	if ver.Major >= 7 {
		return FlavorClang
	}
	return FlavorGCC
}

// genericTriplets name disassembler executables and legacy-toolchain hosts.
var genericTriplets = map[string]string{
	"x86":    "i686-linux-android",
	"x86_64": "x86_64-linux-android",
	"arm":    "arm-linux-androideabi",
	"arm64":  "aarch64-linux-android",
}

// abiTriplets name the unified clang driver executables.
var abiTriplets = map[string]string{
	"x86":    "i686-linux-android",
	"x86_64": "x86_64-linux-android",
	"arm":    "armv7a-linux-androideabi",
	"arm64":  "aarch64-linux-android",
}

// targetAPI returns the API level the compiler targets for arch. 64-bit
// support starts at API 21; 32-bit binaries target the older baseline.
func targetAPI(arch string) int {
	if strings.Contains(arch, "64") {
		return 21
	}
	return 16
}

// Toolchain holds resolved cross-compiler executables and flags.
type Toolchain struct {
	CXX      string
	CXXFlags []string
	Objdump  string
}

// Config holds the environment a Resolver operates in.
type Config struct {
	// NDKClangRoot is the NDK r21 install directory (ANDROID_NDK_R21_ROOT).
	NDKClangRoot string
	// NDKGCCRoot is the NDK r17b install directory, whose standalone
	// toolchain generator serves the gcc flavor (ANDROID_NDK_R17B_ROOT).
	NDKGCCRoot string
	// CacheDir is where generated standalone toolchains are kept.
	CacheDir string
	// Timeout bounds the standalone toolchain generation subprocess.
	Timeout time.Duration
}

// Resolver resolves Toolchains. Resolution is deterministic for a given
// (arch, flavor) under a fixed Config and cache state.
type Resolver struct {
	log logr.Logger
	cfg Config

	group singleflight.Group
}

// NewResolver returns a Resolver using cfg.
func NewResolver(l logr.Logger, cfg Config) *Resolver {
	return &Resolver{log: l.WithName("toolchain"), cfg: cfg}
}

// Resolve returns the Toolchain for arch and flavor.
//
// A missing NDK install or an unresolvable compiler is a configuration
// error: the caller is expected to abort the whole run, not skip the
// probe.
func (r *Resolver) Resolve(ctx context.Context, arch string, flavor Flavor) (Toolchain, error) {
	generic, ok := genericTriplets[arch]
	if !ok {
		return Toolchain{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	api := targetAPI(arch)

	var installDir, cxxName, abi string
	var err error
	switch flavor {
	case FlavorClang:
		abi = abiTriplets[arch] + strconv.Itoa(api)
		cxxName = "clang++"
		installDir, err = r.clangInstallDir()
	case FlavorGCC:
		abi = generic
		cxxName = "g++"
		installDir, err = r.standaloneInstallDir(ctx, arch, api)
	default:
		return Toolchain{}, fmt.Errorf("unsupported toolchain flavor %q", flavor)
	}
	if err != nil {
		return Toolchain{}, err
	}

	binDir := filepath.Join(installDir, "bin")
	tc := Toolchain{
		CXX:      filepath.Join(binDir, abi+"-"+cxxName),
		CXXFlags: cxxFlags(arch, flavor),
		Objdump:  filepath.Join(binDir, generic+"-objdump"),
	}

	for _, bin := range []string{tc.CXX, tc.Objdump} {
		if err := checkExecutable(bin); err != nil {
			return Toolchain{}, err
		}
	}

	r.log.V(1).Info("resolved toolchain",
		"arch", arch, "flavor", flavor, "cxx", tc.CXX, "objdump", tc.Objdump)
	return tc, nil
}

func cxxFlags(arch string, flavor Flavor) []string {
	var flags []string
	if flavor == FlavorClang {
		flags = append(flags, "-std=c++2a")
	} else {
		flags = append(flags, "-std=c++14")
	}
	if arch == "arm" {
		flags = append(flags, "-march=armv7-a", "-mthumb")
	}
	if flavor == FlavorClang {
		// Historical ART headers override virtuals without the keyword.
		flags = append(flags, "-Wno-inconsistent-missing-override")
	}
	return flags
}

// clangInstallDir locates the unified prebuilt toolchain inside the NDK
// r21 distribution. The prebuilt directory is named after the NDK host
// platform, hence the glob.
func (r *Resolver) clangInstallDir() (string, error) {
	if r.cfg.NDKClangRoot == "" {
		return "", fmt.Errorf("ANDROID_NDK_R21_ROOT is not set")
	}

	matches, err := filepath.Glob(filepath.Join(r.cfg.NDKClangRoot, "toolchains", "llvm", "prebuilt", "*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no prebuilt LLVM toolchain under %s", r.cfg.NDKClangRoot)
	}
	return matches[0], nil
}

// standaloneInstallDir returns the standalone GCC toolchain for arch,
// generating and caching it on first use. Concurrent requests for the
// same architecture share one generation.
func (r *Resolver) standaloneInstallDir(ctx context.Context, arch string, api int) (string, error) {
	installDir := filepath.Join(r.cfg.CacheDir, "toolchains", arch+"-"+string(FlavorGCC))

	v, err, _ := r.group.Do(installDir, func() (interface{}, error) {
		if fi, err := os.Stat(installDir); err == nil && fi.IsDir() {
			return installDir, nil
		}

		if r.cfg.NDKGCCRoot == "" {
			return nil, fmt.Errorf("ANDROID_NDK_R17B_ROOT is not set")
		}

		r.log.Info("generating standalone toolchain", "arch", arch, "api", api, "dir", installDir)
		return installDir, r.generateStandalone(ctx, arch, api, installDir)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) generateStandalone(ctx context.Context, arch string, api int, installDir string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	gen := filepath.Join(r.cfg.NDKGCCRoot, "build", "tools", "make_standalone_toolchain.py")
	cmd := exec.CommandContext(ctx, gen,
		"--arch", arch,
		"--api", strconv.Itoa(api),
		"--stl", "gnustl",
		"--install-dir", installDir,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("make_standalone_toolchain --arch %s: %w: %s",
			arch, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("toolchain binary %s: %w", path, err)
	}
	if fi.Mode()&0o111 == 0 {
		return fmt.Errorf("toolchain binary %s is not executable", path)
	}
	return nil
}
