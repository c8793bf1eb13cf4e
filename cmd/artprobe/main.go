// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Artprobe reconstructs the in-memory layout of ART's ArtField structure
// (size and field offsets) for every historical AOSP release that could
// have changed it, per target architecture and Android API level.
//
// It never runs any ART code: each probe cross-compiles a synthetic
// translation unit against a historical source tree and decodes the
// compiler's layout computation out of the object file's data section.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"

	"artprobe/internal/android"
	"artprobe/internal/aosp"
	"artprobe/internal/layout"
	"artprobe/internal/probe"
	"artprobe/internal/toolchain"
)

const minAndroidVersion = "5.0"

// probeArches are the target CPU architectures swept per version.
var probeArches = []string{"arm", "x86", "arm64", "x86_64"}

// ArtField moved out of the mirror namespace during Android 6 development;
// versions where the primary header yields nothing are retried against the
// relocated declaration.
var (
	primaryTarget = target{
		Header: "runtime/mirror/art_field.h",
		Class:  "art::mirror::ArtField",
	}
	fallbackTarget = target{
		Header: "runtime/art_field.h",
		Class:  "art::ArtField",
	}

	probeFields = []string{"access_flags_"}
)

type target struct {
	Header string
	Class  string
}

var (
	// aospDir is the AOSP repository checkout area flag value.
	aospDir string
	// cacheDir is the worktree and toolchain cache root flag value.
	cacheDir string
	// outputFile is the report destination flag value ("-" for stdout).
	outputFile string
	// numWorkers is the probe worker pool size flag value.
	numWorkers int
	// verbosity is the log verbosity level flag value.
	verbosity int
	// timeout is the per-subprocess timeout flag value.
	timeout time.Duration

	logger logr.Logger
)

func init() {
	flag.StringVar(&aospDir, "aosp", "aosp", "AOSP checkout area")
	flag.StringVar(&cacheDir, "cache", "cache", "worktree and toolchain cache")
	flag.StringVar(&outputFile, "output", "-", "report destination, - for stdout")
	flag.IntVar(&numWorkers, "workers", runtime.NumCPU(), "max number of concurrent probes")
	flag.IntVar(&verbosity, "v", 0, "log verbosity")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "per-subprocess timeout")

	flag.Parse()

	stdr.SetVerbosity(verbosity)
	logger = stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

func main() {
	if err := run(); err != nil {
		logger.Error(err, "probe run failed")
		os.Exit(1)
	}
}

func run() error {
	// Trap Ctrl+C and call cancel on the context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	vers, err := resolveVersions(ctx)
	if err != nil {
		return err
	}
	logger.Info("resolved versions to probe", "count", len(vers))

	worktrees := aosp.NewWorktrees(logger, aospDir, cacheDir, timeout)
	resolver := toolchain.NewResolver(logger, toolchain.Config{
		NDKClangRoot: os.Getenv("ANDROID_NDK_R21_ROOT"),
		NDKGCCRoot:   os.Getenv("ANDROID_NDK_R17B_ROOT"),
		CacheDir:     cacheDir,
		Timeout:      timeout,
	})
	compiler := probe.NewCompiler(logger, resolver, worktrees, timeout)

	table := layout.NewTable()
	if err := sweep(ctx, compiler, vers, table); err != nil {
		return err
	}

	return writeReport(table)
}

// resolveVersions mines the art repository for the release tags at which
// the probed headers could have changed.
func resolveVersions(ctx context.Context) ([]android.Version, error) {
	repo := aosp.NewRepo(logger, filepath.Join(aospDir, "platform", "art"), timeout)

	tags, err := aosp.TagsAffecting(ctx, repo, primaryTarget.Header, fallbackTarget.Header)
	if err != nil {
		return nil, err
	}

	constraint, err := version.NewConstraint(">= " + minAndroidVersion)
	if err != nil {
		return nil, err
	}

	var vers []android.Version
	for _, tag := range tags {
		v, err := android.FromTag(tag)
		if err != nil {
			return nil, err
		}
		if !constraint.Check(v.Semver()) {
			continue
		}
		vers = append(vers, v)
	}
	return vers, nil
}

// sweep probes every (architecture, version) pair on a bounded worker
// pool, streaming one progress line per probe and folding measurements
// into table. The first fatal error cancels the remaining probes.
func sweep(ctx context.Context, compiler *probe.Compiler, vers []android.Version, table *layout.Table) error {
	type job struct {
		Arch    string
		Version android.Version
	}
	type result struct {
		Key   layout.Key
		Value string
	}

	g, ctx := errgroup.WithContext(ctx)
	todo := make(chan job)

	g.Go(func() error {
		defer close(todo)
		for _, arch := range probeArches {
			for _, v := range vers {
				select {
				case todo <- job{Arch: arch, Version: v}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	})

	c := make(chan result)
	for n := 0; n < max(1, numWorkers); n++ {
		g.Go(func() error {
			for j := range todo {
				out, err := probeTargets(ctx, compiler, j.Arch, j.Version)
				if err != nil {
					return err
				}

				r := result{
					Key:   layout.Key{Arch: j.Arch, APILevel: j.Version.APILevel},
					Value: layout.Measurement(probeFields, out),
				}
				select {
				case c <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(c)
	}()

	for r := range c {
		fmt.Printf("// %s => %s\n", r.Key, r.Value)
		table.Add(r.Key, r.Value)
	}

	return g.Wait()
}

// probeTargets probes the primary declaration of ArtField and falls back
// to the relocated one when the primary yields no measurement.
func probeTargets(ctx context.Context, compiler *probe.Compiler, arch string, ver android.Version) (probe.Outcome, error) {
	out, err := compiler.Probe(ctx, probe.Request{
		Header:  primaryTarget.Header,
		Class:   primaryTarget.Class,
		Fields:  probeFields,
		Version: ver,
		Arch:    arch,
	})
	if err != nil || out.Measured() {
		return out, err
	}

	return compiler.Probe(ctx, probe.Request{
		Header:  fallbackTarget.Header,
		Class:   fallbackTarget.Class,
		Fields:  probeFields,
		Version: ver,
		Arch:    arch,
	})
}

func writeReport(table *layout.Table) error {
	w := os.Stdout
	if outputFile != "-" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(table)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
