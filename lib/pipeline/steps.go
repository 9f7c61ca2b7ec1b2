package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"

	"github.com/kilnhq/kiln/lib/reference"
	"github.com/kilnhq/kiln/lib/rootfs"
)

// appendLayer stacks a captured layer onto the image with a history entry.
func appendLayer(st *State, layer v1.Layer, createdBy string) error {
	img, err := mutate.Append(st.Image, mutate.Addendum{
		Layer: layer,
		History: v1.History{
			Created:   v1.Time{Time: time.Now().UTC()},
			CreatedBy: createdBy,
		},
	})
	if err != nil {
		return fmt.Errorf("append layer: %w", err)
	}
	st.Image = img
	return nil
}

// baseStep resolves the base reference to a digest, fetches the image, and
// unpacks its flattened rootfs into the bake workspace.
type baseStep struct {
	fetcher Fetcher
}

func (s *baseStep) Name() string { return "base" }

func (s *baseStep) Run(ctx context.Context, st *State) error {
	norm, err := reference.Parse(st.Recipe.Base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaseImageUnresolvable, err)
	}

	resolved, err := norm.Resolve(ctx, s.fetcher)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaseImageUnresolvable, err)
	}
	st.BaseRef = resolved
	st.Log.Info("base image resolved", "ref", resolved.String(), "digest", resolved.Digest())

	img, err := s.fetcher.FetchImage(ctx, norm.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaseImageUnresolvable, err)
	}

	if err := st.Env.UnpackBase(ctx, img); err != nil {
		return err
	}
	st.Image = img
	return nil
}

// provisionStep installs the recipe's system packages and purges the
// package manager cache, all inside a single captured layer. The purge must
// share the layer with the install: a later deletion could never shrink a
// layer that was already sealed.
type provisionStep struct{}

func (s *provisionStep) Name() string { return "provision" }

func (s *provisionStep) Run(ctx context.Context, st *State) error {
	pkgs := st.Recipe.Packages
	if len(pkgs) == 0 {
		st.Log.Info("no system packages declared, skipping provision")
		return nil
	}

	install := append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, pkgs...)
	cmds := []rootfs.Command{
		{Argv: []string{"apt-get", "update"}},
		{Argv: install},
		// Cache purge failures cost image size, not correctness.
		{Argv: []string{"apt-get", "clean"}, NonFatal: true},
		{Argv: []string{"rm", "-rf", "/var/lib/apt/lists"}, NonFatal: true},
	}

	layer, err := st.Env.RunLayer(ctx, s.Name(), cmds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackageInstall, err)
	}

	return appendLayer(st, layer, "RUN "+strings.Join(install, " "))
}

// sourceStep copies the full build context into the image under the
// recipe's working directory. No filtering: the layer contains exactly what
// the context contains.
type sourceStep struct{}

func (s *sourceStep) Name() string { return "source" }

func (s *sourceStep) Run(ctx context.Context, st *State) error {
	info, err := os.Stat(st.ContextDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceUnreadable, st.ContextDir)
	}
	if _, err := os.ReadDir(st.ContextDir); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	layer, err := st.Env.CopyLayer(ctx, s.Name(), st.ContextDir, st.Recipe.WorkDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	return appendLayer(st, layer, fmt.Sprintf("COPY . %s", st.Recipe.WorkDir))
}

// depsStep installs the dependencies declared by the manifest inside the
// copied source tree. Caching is off unless UseCache is set, which nothing
// in the fixed pipeline does: every bake performs a full fetch, trading
// build time for reproducibility and a layer with no cache inside it.
type depsStep struct {
	UseCache bool
}

func (s *depsStep) Name() string { return "deps" }

func (s *depsStep) Run(ctx context.Context, st *State) error {
	manifest := st.Recipe.ManifestPath()
	if !st.Env.Exists(manifest) {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, manifest)
	}

	argv := []string{"pip", "install"}
	if !s.UseCache {
		argv = append(argv, "--no-cache-dir")
	}
	argv = append(argv, "-r", st.Recipe.Manifest)

	cmd := rootfs.Command{Argv: argv, WorkDir: st.Recipe.WorkDir}
	st.DepsCommand = cmd

	layer, err := st.Env.RunLayer(ctx, s.Name(), []rootfs.Command{cmd})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyResolution, err)
	}

	return appendLayer(st, layer, "RUN "+cmd.String())
}

// contractStep records the runtime contract on the image config. Pure
// metadata: nothing executes, no socket opens. Whether the startup command
// actually exists is a run-time concern, so a missing executable only
// produces a warning here.
type contractStep struct{}

func (s *contractStep) Name() string { return "contract" }

func (s *contractStep) Run(ctx context.Context, st *State) error {
	contract := ContractFromRecipe(st.Recipe)

	cf, err := st.Image.ConfigFile()
	if err != nil {
		return fmt.Errorf("read image config: %w", err)
	}
	cfg := cf.Config
	contract.Apply(&cfg)

	img, err := mutate.Config(st.Image, cfg)
	if err != nil {
		return fmt.Errorf("set image config: %w", err)
	}
	st.Image = img

	if !entrypointPresent(st.Env, contract) {
		st.Log.Warn("startup command executable not found in image; container start will fail",
			"command", strings.Join(contract.Command, " "))
	}
	return nil
}

// searchPath mirrors the default PATH the startup command will see.
var searchPath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}

// entrypointPresent checks whether the contract's executable exists in the
// final filesystem. Advisory only.
func entrypointPresent(env Environment, c RuntimeContract) bool {
	if len(c.Command) == 0 {
		return false
	}
	exe := c.Command[0]

	if strings.Contains(exe, "/") {
		if !path.IsAbs(exe) {
			exe = path.Join(c.WorkingDir, exe)
		}
		return env.Exists(exe)
	}
	for _, dir := range searchPath {
		if env.Exists(path.Join(dir, exe)) {
			return true
		}
	}
	return false
}
