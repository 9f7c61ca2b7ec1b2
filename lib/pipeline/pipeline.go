// Package pipeline implements the fixed image bake pipeline: resolve and
// unpack the base image, provision system packages, copy the source tree,
// install language-level dependencies, and declare the runtime contract.
// Steps run strictly in order; the first failure aborts the bake and no
// image is produced.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/kilnhq/kiln/lib/recipe"
	"github.com/kilnhq/kiln/lib/reference"
	"github.com/kilnhq/kiln/lib/rootfs"
)

// Fetcher resolves and pulls images from upstream registries.
type Fetcher interface {
	ResolveDigest(ctx context.Context, ref string) (string, error)
	FetchImage(ctx context.Context, ref string) (v1.Image, error)
}

// Environment is the filesystem side of a bake: unpacking the base rootfs,
// executing commands against the accumulated state, and capturing each
// step's diff as a layer. lib/rootfs provides the production
// implementation; tests substitute a fake so no step needs root.
type Environment interface {
	UnpackBase(ctx context.Context, img v1.Image) error
	RunLayer(ctx context.Context, name string, cmds []rootfs.Command) (v1.Layer, error)
	CopyLayer(ctx context.Context, name, hostDir, destDir string) (v1.Layer, error)
	Exists(path string) bool
	Close() error
}

// State is the shared state threaded through the steps. Each step consumes
// the filesystem and image state its predecessor produced.
type State struct {
	Recipe     recipe.Recipe
	ContextDir string
	Env        Environment
	Log        *slog.Logger

	// BaseRef is set by the base step: the recipe's base reference pinned
	// to the digest it resolved to at bake time.
	BaseRef *reference.ResolvedRef

	// Image accumulates the output: base image, then one layer per
	// filesystem step, then the runtime contract config.
	Image v1.Image

	// DepsCommand is the rendered dependency install command. Recorded so
	// callers and tests can assert the no-cache policy without re-deriving
	// the argv.
	DepsCommand rootfs.Command
}

// Step is one named stage of the bake.
type Step interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// Pipeline is the ordered step sequence for one bake.
type Pipeline struct {
	steps []Step
	state *State
	log   *slog.Logger

	// OnStep, when set, observes every completed step (metrics hook).
	OnStep func(ctx context.Context, step string, err error, elapsed time.Duration)
}

// New assembles the fixed pipeline for a recipe. The step list never
// varies: base, provision, source, deps, contract.
func New(rec recipe.Recipe, contextDir string, fetcher Fetcher, env Environment, log *slog.Logger) *Pipeline {
	return &Pipeline{
		steps: []Step{
			&baseStep{fetcher: fetcher},
			&provisionStep{},
			&sourceStep{},
			&depsStep{}, // UseCache stays false: every bake fetches fresh
			&contractStep{},
		},
		state: &State{
			Recipe:     rec,
			ContextDir: contextDir,
			Env:        env,
			Log:        log,
		},
		log: log,
	}
}

// Run executes the steps in order and returns the finished image. The
// returned image exists only in the bake workspace; publishing it is the
// caller's responsibility, which is what makes a failed bake leave nothing
// behind.
func (p *Pipeline) Run(ctx context.Context) (v1.Image, error) {
	defer p.state.Env.Close()

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		p.log.Info("step started", "step", step.Name())

		err := step.Run(ctx, p.state)
		elapsed := time.Since(start)
		if p.OnStep != nil {
			p.OnStep(ctx, step.Name(), err, elapsed)
		}

		if err != nil {
			p.log.Error("step failed", "step", step.Name(), "error", err, "duration", elapsed)
			return nil, fmt.Errorf("step %s: %w", step.Name(), err)
		}
		p.log.Info("step finished", "step", step.Name(), "duration", elapsed)
	}

	return p.state.Image, nil
}

// BaseDigest returns the resolved base image digest after a successful run.
func (p *Pipeline) BaseDigest() string {
	if p.state.BaseRef == nil {
		return ""
	}
	return p.state.BaseRef.Digest()
}
