package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/lib/recipe"
	"github.com/kilnhq/kiln/lib/rootfs"
)

const testDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

type fakeFetcher struct {
	resolveErr error
	fetchErr   error
}

func (f *fakeFetcher) ResolveDigest(ctx context.Context, ref string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return testDigest, nil
}

func (f *fakeFetcher) FetchImage(ctx context.Context, ref string) (v1.Image, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return empty.Image, nil
}

type recordedRun struct {
	name string
	cmds []rootfs.Command
}

// fakeEnv stands in for the overlay/chroot environment so pipeline tests
// need neither root nor mounts.
type fakeEnv struct {
	unpacked bool
	closed   bool
	runs     []recordedRun
	copies   []string
	files    map[string]bool
	runErr   map[string]error
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{files: map[string]bool{}, runErr: map[string]error{}}
}

func (e *fakeEnv) UnpackBase(ctx context.Context, img v1.Image) error {
	e.unpacked = true
	return nil
}

func (e *fakeEnv) RunLayer(ctx context.Context, name string, cmds []rootfs.Command) (v1.Layer, error) {
	if err := e.runErr[name]; err != nil {
		return nil, err
	}
	e.runs = append(e.runs, recordedRun{name: name, cmds: cmds})
	return static.NewLayer([]byte(name), types.OCILayer), nil
}

func (e *fakeEnv) CopyLayer(ctx context.Context, name, hostDir, destDir string) (v1.Layer, error) {
	e.copies = append(e.copies, name)
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		e.files[path.Join(destDir, entry.Name())] = true
	}
	return static.NewLayer([]byte(name), types.OCILayer), nil
}

func (e *fakeEnv) Exists(p string) bool { return e.files[p] }

func (e *fakeEnv) Close() error {
	e.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// contextDir builds a minimal build context with a requirements manifest.
func contextDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	return dir
}

func TestPipelineRunsStepsInOrder(t *testing.T) {
	env := newFakeEnv()
	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())

	var seen []string
	p.OnStep = func(ctx context.Context, step string, err error, elapsed time.Duration) {
		seen = append(seen, step)
	}

	img, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, img)

	require.Equal(t, []string{"base", "provision", "source", "deps", "contract"}, seen)
	require.True(t, env.unpacked)
	require.True(t, env.closed)
	require.Equal(t, []string{"source"}, env.copies)
	require.Equal(t, testDigest, p.BaseDigest())

	// One filesystem layer per step that touched the filesystem
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
}

func TestProvisionInstallsAndPurgesInOneLayer(t *testing.T) {
	env := newFakeEnv()
	rec := recipe.Default()
	rec.Packages = []string{"maven", "git"}

	p := New(rec, contextDir(t), &fakeFetcher{}, env, testLogger())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	var provision *recordedRun
	for i := range env.runs {
		if env.runs[i].name == "provision" {
			provision = &env.runs[i]
		}
	}
	require.NotNil(t, provision)

	// Update, install, then cache purge all land in the same layer
	require.Len(t, provision.cmds, 4)
	require.Equal(t, []string{"apt-get", "update"}, provision.cmds[0].Argv)
	require.Equal(t, []string{"apt-get", "install", "-y", "--no-install-recommends", "maven", "git"}, provision.cmds[1].Argv)
	require.Equal(t, []string{"apt-get", "clean"}, provision.cmds[2].Argv)
	require.True(t, provision.cmds[2].NonFatal)
	require.Equal(t, []string{"rm", "-rf", "/var/lib/apt/lists"}, provision.cmds[3].Argv)
	require.True(t, provision.cmds[3].NonFatal)
}

func TestProvisionSkippedWithoutPackages(t *testing.T) {
	env := newFakeEnv()
	rec := recipe.Default()
	rec.Packages = nil

	p := New(rec, contextDir(t), &fakeFetcher{}, env, testLogger())
	img, err := p.Run(context.Background())
	require.NoError(t, err)

	for _, run := range env.runs {
		require.NotEqual(t, "provision", run.name)
	}

	// Only source and deps contribute layers
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 2)
}

func TestDepsInstallDisablesCache(t *testing.T) {
	env := newFakeEnv()
	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	var deps *recordedRun
	for i := range env.runs {
		if env.runs[i].name == "deps" {
			deps = &env.runs[i]
		}
	}
	require.NotNil(t, deps)
	require.Len(t, deps.cmds, 1)
	require.Equal(t, []string{"pip", "install", "--no-cache-dir", "-r", "requirements.txt"}, deps.cmds[0].Argv)
	require.Equal(t, "/app", deps.cmds[0].WorkDir)
}

func TestBaseUnresolvableAborts(t *testing.T) {
	env := newFakeEnv()
	fetcher := &fakeFetcher{resolveErr: errors.New("no such host")}

	p := New(recipe.Default(), contextDir(t), fetcher, env, testLogger())
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrBaseImageUnresolvable)

	// Nothing after the base step ran
	require.False(t, env.unpacked)
	require.Empty(t, env.runs)
	require.Empty(t, env.copies)
}

func TestProvisionFailurePreventsLaterSteps(t *testing.T) {
	env := newFakeEnv()
	env.runErr["provision"] = errors.New("apt exited 100")

	var failures []string
	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())
	p.OnStep = func(ctx context.Context, step string, err error, elapsed time.Duration) {
		if err != nil {
			failures = append(failures, step)
		}
	}

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrPackageInstall)
	require.Equal(t, []string{"provision"}, failures)

	// The source and deps steps never ran
	require.Empty(t, env.copies)
	for _, run := range env.runs {
		require.NotEqual(t, "deps", run.name)
	}
}

func TestMissingContextDirFailsSourceStep(t *testing.T) {
	env := newFakeEnv()
	p := New(recipe.Default(), filepath.Join(t.TempDir(), "nope"), &fakeFetcher{}, env, testLogger())

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrSourceUnreadable)
}

func TestMissingManifestFailsDepsStep(t *testing.T) {
	env := newFakeEnv()

	// Context has source but no requirements.txt
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))

	p := New(recipe.Default(), dir, &fakeFetcher{}, env, testLogger())
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrManifestNotFound)
	require.Contains(t, err.Error(), "/app/requirements.txt")
}

func TestDepsFailureWrapsResolutionError(t *testing.T) {
	env := newFakeEnv()
	env.runErr["deps"] = errors.New("pip exited 1")

	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrDependencyResolution)
}

func TestContractRecordedOnImageConfig(t *testing.T) {
	env := newFakeEnv()
	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())

	img, err := p.Run(context.Background())
	require.NoError(t, err)

	cf, err := img.ConfigFile()
	require.NoError(t, err)
	require.Equal(t, "/app", cf.Config.WorkingDir)
	require.Equal(t, []string{"python", "src/main/python/main.py"}, cf.Config.Cmd)
	require.Empty(t, cf.Config.Entrypoint)
	require.Contains(t, cf.Config.ExposedPorts, "5000/tcp")

	// History carries the rendered step commands
	var created []string
	for _, h := range cf.History {
		created = append(created, h.CreatedBy)
	}
	require.Contains(t, strings.Join(created, "\n"), "apt-get install -y --no-install-recommends maven")
	require.Contains(t, strings.Join(created, "\n"), "COPY . /app")
	require.Contains(t, strings.Join(created, "\n"), "pip install --no-cache-dir -r requirements.txt")
}

func TestCancelledContextStopsPipeline(t *testing.T) {
	env := newFakeEnv()
	p := New(recipe.Default(), contextDir(t), &fakeFetcher{}, env, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, env.runs)
}

func TestContractPortKey(t *testing.T) {
	c := ContractFromRecipe(recipe.Default())
	require.Equal(t, "5000/tcp", c.PortKey())
}

func TestContractApplyPreservesExistingPorts(t *testing.T) {
	c := RuntimeContract{Port: 8080, WorkingDir: "/srv", Command: []string{"run"}}
	cfg := v1.Config{ExposedPorts: map[string]struct{}{"9090/tcp": {}}}

	c.Apply(&cfg)
	require.Contains(t, cfg.ExposedPorts, "8080/tcp")
	require.Contains(t, cfg.ExposedPorts, "9090/tcp")
	require.Equal(t, "/srv", cfg.WorkingDir)
	require.Equal(t, []string{"run"}, cfg.Cmd)
	require.Nil(t, cfg.Entrypoint)
}
