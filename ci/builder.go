// Package ci runs the build stage of a pipeline run: ordered shell steps in a
// throwaway sandbox whose outputs become an immutable release.
package ci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/GoCodeAlone/shipyard/artifact"
	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

// DefaultStepTimeout bounds a step that does not set its own timeout.
const DefaultStepTimeout = 10 * time.Minute

// outputTail is how much of a failing step's output is kept in the error.
const outputTail = 2048

// Step is one shell command of the build.
type Step struct {
	Name    string        `yaml:"name" json:"name"`
	Run     string        `yaml:"run" json:"run"`
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Outputs locates build outputs inside the sandbox after all steps ran.
type Outputs struct {
	// ImageFile holds the container image reference the build produced.
	ImageFile string `yaml:"image_file"`
	// Bundle lists glob patterns of files published with the release.
	Bundle []string `yaml:"bundle"`
}

// Config configures a ShellBuilder.
type Config struct {
	Steps []Step `yaml:"steps"`
	// Repository is cloned into the sandbox at the event's revision before
	// the first step. Empty skips the checkout.
	Repository string        `yaml:"repository"`
	Outputs    Outputs       `yaml:"outputs"`
	Shell      string        `yaml:"shell"`
	WorkDir    string        `yaml:"work_dir"`
	Timeout    time.Duration `yaml:"step_timeout"`
	// MaxParallel caps concurrent builds. Zero means unlimited.
	MaxParallel int64             `yaml:"max_parallel"`
	Env         map[string]string `yaml:"env"`
}

// Publisher stores the build outputs of a release.
type Publisher interface {
	Publish(ctx context.Context, rel release.Release, files []artifact.File) (artifact.Reference, error)
}

// ShellBuilder implements promotion.Builder by running shell steps.
type ShellBuilder struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	slots     *semaphore.Weighted

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

var _ promotion.Builder = (*ShellBuilder)(nil)

// NewShellBuilder creates a builder. publisher may be nil, in which case
// releases are described but not uploaded.
func NewShellBuilder(cfg Config, publisher Publisher, logger *slog.Logger) (*ShellBuilder, error) {
	if len(cfg.Steps) == 0 && cfg.Repository == "" {
		return nil, errors.New("ci: at least one step is required")
	}
	for i, s := range cfg.Steps {
		if strings.TrimSpace(s.Run) == "" {
			return nil, fmt.Errorf("ci: step %d (%s) has no command", i, s.Name)
		}
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &ShellBuilder{
		cfg:         cfg,
		publisher:   publisher,
		logger:      logger,
		execCommand: exec.CommandContext,
	}
	if cfg.MaxParallel > 0 {
		b.slots = semaphore.NewWeighted(cfg.MaxParallel)
	}
	return b, nil
}

// Build runs the steps for ev and returns the resulting release. Step
// failures and timeouts are BuildFailure errors; cancellation of ctx is
// reported as Cancelled.
func (b *ShellBuilder) Build(ctx context.Context, runID string, ev promotion.Event) (release.Release, error) {
	op := "build " + runID
	if b.slots != nil {
		if err := b.slots.Acquire(ctx, 1); err != nil {
			return release.Release{}, failure.New(failure.KindCancelled, op, err)
		}
		defer b.slots.Release(1)
	}

	dir, err := os.MkdirTemp(b.cfg.WorkDir, "shipyard-ci-*")
	if err != nil {
		return release.Release{}, failure.New(failure.KindBuild, op, fmt.Errorf("create sandbox: %w", err))
	}
	defer os.RemoveAll(dir)

	logger := b.logger.With("run", runID, "revision", ev.Revision)
	env := b.environ(runID, dir, ev)

	for _, s := range b.steps(ev) {
		if err := b.runStep(ctx, op, dir, env, s, logger); err != nil {
			return release.Release{}, err
		}
	}

	rel, files, err := b.collect(dir, ev)
	if err != nil {
		return release.Release{}, failure.New(failure.KindBuild, op, err)
	}
	if b.publisher != nil {
		if _, err := b.publisher.Publish(ctx, rel, files); err != nil {
			if ctx.Err() != nil {
				return release.Release{}, failure.New(failure.KindCancelled, op, ctx.Err())
			}
			return release.Release{}, failure.New(failure.KindBuild, op, fmt.Errorf("publish: %w", err))
		}
	}
	logger.Info("build produced release", "release", rel.ID, "image", rel.Image, "parts", len(rel.Parts))
	return rel, nil
}

func (b *ShellBuilder) steps(ev promotion.Event) []Step {
	if b.cfg.Repository == "" {
		return b.cfg.Steps
	}
	checkout := Step{
		Name: "checkout",
		Run: fmt.Sprintf("git init -q . && git fetch -q --depth 1 %s %s && git checkout -q FETCH_HEAD",
			shellQuote(b.cfg.Repository), shellQuote(ev.Revision)),
	}
	return append([]Step{checkout}, b.cfg.Steps...)
}

func (b *ShellBuilder) environ(runID, dir string, ev promotion.Event) []string {
	env := os.Environ()
	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+b.cfg.Env[k])
	}
	return append(env,
		"SHIPYARD_RUN_ID="+runID,
		"SHIPYARD_SANDBOX="+dir,
		"SHIPYARD_REVISION="+ev.Revision,
		"SHIPYARD_REF="+ev.Ref,
		"SHIPYARD_TAG="+ev.Tag,
	)
}

func (b *ShellBuilder) runStep(ctx context.Context, op, dir string, env []string, s Step, logger *slog.Logger) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := b.execCommand(stepCtx, b.cfg.Shell, "-c", s.Run) //nolint:gosec // G204: steps come from operator config
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	logger.Info("ci step started", "step", s.Name)
	err := cmd.Run()
	elapsed := time.Since(started).Round(time.Millisecond)

	switch {
	case err == nil:
		logger.Info("ci step succeeded", "step", s.Name, "duration", elapsed)
		return nil
	case ctx.Err() != nil:
		return failure.New(failure.KindCancelled, op, fmt.Errorf("step %s: %w", s.Name, ctx.Err()))
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		logger.Error("ci step timed out", "step", s.Name, "timeout", timeout)
		return failure.Newf(failure.KindBuild, op, "step %s timed out after %s", s.Name, timeout)
	}

	logger.Error("ci step failed", "step", s.Name, "duration", elapsed, "error", err)
	return failure.Newf(failure.KindBuild, op, "step %s: %v: %s", s.Name, err, tail(out.Bytes()))
}

// collect reads the image reference and bundle files out of the sandbox.
func (b *ShellBuilder) collect(dir string, ev promotion.Event) (release.Release, []artifact.File, error) {
	var image string
	if name := b.cfg.Outputs.ImageFile; name != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return release.Release{}, nil, fmt.Errorf("read image reference: %w", err)
		}
		image = strings.TrimSpace(string(data))
		if image == "" {
			return release.Release{}, nil, fmt.Errorf("image reference file %s is empty", name)
		}
	}

	seen := make(map[string]bool)
	var files []artifact.File
	for _, pattern := range b.cfg.Outputs.Bundle {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return release.Release{}, nil, fmt.Errorf("bundle pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return release.Release{}, nil, fmt.Errorf("bundle pattern %q matched no files", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			name, err := filepath.Rel(dir, m)
			if err != nil {
				return release.Release{}, nil, err
			}
			name = filepath.ToSlash(name)
			if seen[name] {
				continue
			}
			seen[name] = true
			files = append(files, artifact.File{Name: name, Path: m})
		}
	}

	parts, err := artifact.Describe(files)
	if err != nil {
		return release.Release{}, nil, fmt.Errorf("describe outputs: %w", err)
	}
	return release.New(ev.Revision, ev.Ref, ev.Tag, image, parts), files, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > outputTail {
		s = "..." + s[len(s)-outputTail:]
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
