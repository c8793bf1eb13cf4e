// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/go-logr/logr"

	"artprobe/internal/aosp"
	"artprobe/internal/toolchain"
)

//go:embed templates/probe.cc.tmpl
var templateFS embed.FS

var probeTmpl = template.Must(template.ParseFS(templateFS, "templates/probe.cc.tmpl"))

// defines make historical ART headers self-contained without a full build
// system: SMP mutual exclusion, the interface method table size, and the
// per-architecture stack overflow guard gaps.
var defines = []string{
	"-DANDROID_SMP=1",
	"-DIMT_SIZE=64",
	"-DART_STACK_OVERFLOW_GAP_arm=8192",
	"-DART_STACK_OVERFLOW_GAP_arm64=8192",
	"-DART_STACK_OVERFLOW_GAP_mips=16384",
	"-DART_STACK_OVERFLOW_GAP_mips64=16384",
	"-DART_STACK_OVERFLOW_GAP_x86=8192",
	"-DART_STACK_OVERFLOW_GAP_x86_64=8192",
}

// ignorableDiagnostics are compiler error substrings meaning the probed
// class or field does not exist at the probed version. Any other nonzero
// exit is fatal; extend this list only with a matching test fixture.
var ignorableDiagnostics = []string{
	"is not a member of",
	"has no member named",
}

// AOSP project paths whose sources participate in a probe build.
const (
	artProject        = "platform/art"
	gtestProject      = "platform/external/gtest"
	systemCoreProject = "platform/system/core"
)

// Compiler probes struct layouts by compiling synthetic translation units
// against historical worktrees.
type Compiler struct {
	log logr.Logger

	resolver  *toolchain.Resolver
	worktrees *aosp.Worktrees
	timeout   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCompiler returns a Compiler using resolver for toolchains and
// worktrees for sources. Each compiler or objdump invocation is bounded
// by timeout.
func NewCompiler(l logr.Logger, resolver *toolchain.Resolver, worktrees *aosp.Worktrees, timeout time.Duration) *Compiler {
	return &Compiler{
		log:       l.WithName("compiler"),
		resolver:  resolver,
		worktrees: worktrees,
		timeout:   timeout,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Probe measures the size of req.Class and the offset of each requested
// field at req.Version for req.Arch.
//
// Expected historical conditions (header absent, member removed) are
// reported in the Outcome. Toolchain failures and unrecognized compiler
// diagnostics are returned as errors and should abort the run.
func (c *Compiler) Probe(ctx context.Context, req Request) (Outcome, error) {
	artDir, err := c.worktrees.Get(ctx, artProject, req.Version)
	if err != nil {
		return Outcome{}, err
	}

	headerPath := filepath.Join(artDir, filepath.FromSlash(req.Header))
	if _, err := os.Stat(headerPath); os.IsNotExist(err) {
		c.log.V(1).Info("header absent",
			"header", req.Header, "tag", req.Version.Tag)
		return Outcome{Kind: KindHeaderAbsent}, nil
	} else if err != nil {
		return Outcome{}, err
	}

	flavor := toolchain.FlavorFor(req.Version)
	tc, err := c.resolver.Resolve(ctx, req.Arch, flavor)
	if err != nil {
		return Outcome{}, err
	}

	gtestDir, err := c.worktrees.Get(ctx, gtestProject, req.Version)
	if err != nil {
		return Outcome{}, err
	}

	// The unified clang builds need the libbase headers that moved into
	// system/core.
	var coreIncludes []string
	if flavor == toolchain.FlavorClang {
		coreDir, err := c.worktrees.Get(ctx, systemCoreProject, req.Version)
		if err != nil {
			return Outcome{}, err
		}
		coreIncludes = []string{
			"-I", filepath.Join(coreDir, "include"),
			"-I", filepath.Join(coreDir, "base", "include"),
		}
	}

	if err := c.exposeMembers(headerPath, artDir); err != nil {
		return Outcome{}, err
	}

	tmpDir, err := os.MkdirTemp("", "artprobe-*")
	if err != nil {
		return Outcome{}, err
	}
	defer os.RemoveAll(tmpDir)

	src := filepath.Join(tmpDir, "probe.cc")
	if err := renderSource(src, req); err != nil {
		return Outcome{}, err
	}
	obj := filepath.Join(tmpDir, "probe.o")

	args := append([]string{}, tc.CXXFlags...)
	args = append(args, defines...)
	args = append(args, "-Wno-invalid-offsetof")
	args = append(args, coreIncludes...)
	args = append(args,
		"-I", filepath.Join(gtestDir, "include"),
		"-I", filepath.Join(artDir, "libartbase"),
		"-I", filepath.Join(artDir, "libdexfile"),
		"-I", filepath.Join(artDir, "runtime"),
		"-I", artDir,
		src,
		"-c",
		"-o", obj,
	)

	stderr, err := c.run(ctx, tc.CXX, args...)
	if err != nil {
		if diag, ok := classify(stderr); ok {
			// Log the full diagnostic even though it is ignorable, so
			// misclassified failures can be audited later.
			c.log.V(1).Info("member removed",
				"tag", req.Version.Tag, "arch", req.Arch,
				"class", req.Class, "diagnostic", diag)
			return Outcome{Kind: KindMemberRemoved, Diagnostic: diag}, nil
		}
		return Outcome{}, &CompileError{
			Request: req,
			Cmd:     tc.CXX,
			Stderr:  stderr,
			Err:     err,
		}
	}

	dump, err := c.runStdout(ctx, tc.Objdump, "-sj", ".data", obj)
	if err != nil {
		return Outcome{}, err
	}

	values, err := parseSection(dump)
	if err != nil {
		return Outcome{}, err
	}
	if len(values) < 1+len(req.Fields) {
		return Outcome{}, fmt.Errorf("probe of %s at %s: decoded %d values, want %d",
			req.Class, req.Version.Tag, len(values), 1+len(req.Fields))
	}

	return Outcome{
		Kind:    KindMeasured,
		Size:    values[0],
		Offsets: values[1 : 1+len(req.Fields)],
	}, nil
}

// exposeMembers rewrites every access specifier in the header at path to
// public so private and protected fields are measurable with offsetof.
//
// The worktree is shared across probes of the same version, so the rewrite
// must be idempotent and atomic with respect to concurrent readers: the
// per-worktree lock is held while rewriting, and an already-rewritten
// header is left untouched.
func (c *Compiler) exposeMembers(headerPath, worktree string) error {
	lock := c.worktreeLock(worktree)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(headerPath)
	if err != nil {
		return err
	}

	rewritten := strings.ReplaceAll(string(data), "protected:", "public:")
	rewritten = strings.ReplaceAll(rewritten, "private:", "public:")
	if rewritten == string(data) {
		return nil
	}

	return os.WriteFile(headerPath, []byte(rewritten), 0o644)
}

func (c *Compiler) worktreeLock(dir string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[dir]
	if !ok {
		lock = new(sync.Mutex)
		c.locks[dir] = lock
	}
	return lock
}

// renderSource writes the probe translation unit for req to path.
func renderSource(path string, req Request) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return probeTmpl.Execute(f, struct {
		Header string
		Class  string
		Fields []string
	}{
		Header: req.Header,
		Class:  req.Class,
		Fields: req.Fields,
	})
}

// classify reports whether stderr matches a diagnostic known to mean the
// probed class or member does not exist at this version.
func classify(stderr string) (string, bool) {
	for _, pattern := range ignorableDiagnostics {
		if strings.Contains(stderr, pattern) {
			return stderr, true
		}
	}
	return "", false
}

func (c *Compiler) run(ctx context.Context, bin string, args ...string) (string, error) {
	_, stderr, err := c.exec(ctx, bin, args...)
	return stderr, err
}

func (c *Compiler) runStdout(ctx context.Context, bin string, args ...string) (string, error) {
	stdout, stderr, err := c.exec(ctx, bin, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (c *Compiler) exec(ctx context.Context, bin string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.V(2).Info("running", "bin", bin, "args", args)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CompileError is an unrecognized probe compilation failure. It carries
// the full diagnostic so the run can surface it before aborting.
type CompileError struct {
	Request Request
	Cmd     string
	Stderr  string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling probe for %s at %s (%s): %v\n%s",
		e.Request.Class, e.Request.Version.Tag, e.Request.Arch, e.Err, e.Stderr)
}

func (e *CompileError) Unwrap() error { return e.Err }
