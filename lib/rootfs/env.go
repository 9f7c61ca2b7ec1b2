package rootfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kilnhq/kiln/lib/archive"
)

// Env is the concrete bake environment: it unpacks the base rootfs into a
// workspace, stacks one overlay per executed step, and captures each step's
// filesystem diff as an OCI layer. One Env belongs to exactly one bake; it
// is not safe for concurrent use and never needs to be, since a bake's
// steps are strictly sequential.
type Env struct {
	dir       string
	exec      Executor
	log       *slog.Logger
	output    io.Writer
	maxUnpack int64

	// lowers is the overlay lower chain, bottom-up. Index 0 is the base
	// rootfs; each committed step appends its upper dir.
	lowers []string
}

// NewEnv creates a bake environment rooted at workspaceDir.
func NewEnv(workspaceDir string, exec Executor, log *slog.Logger, output io.Writer, maxUnpackBytes int64) (*Env, error) {
	for _, sub := range []string{"base", "steps", "layers"} {
		if err := os.MkdirAll(filepath.Join(workspaceDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}
	return &Env{
		dir:       workspaceDir,
		exec:      exec,
		log:       log,
		output:    output,
		maxUnpack: maxUnpackBytes,
	}, nil
}

// UnpackBase extracts the flattened base image filesystem into the
// workspace. Must be called before any layer operation.
func (e *Env) UnpackBase(ctx context.Context, img v1.Image) error {
	baseDir := filepath.Join(e.dir, "base")
	rc := mutate.Extract(img)
	defer rc.Close()

	n, err := archive.ExtractTar(rc, baseDir, e.maxUnpack)
	if err != nil {
		return fmt.Errorf("unpack base rootfs: %w", err)
	}
	e.log.Debug("base rootfs unpacked", "bytes", n)
	e.lowers = []string{baseDir}
	return nil
}

// RunLayer mounts an overlay over the current filesystem state, executes
// the commands in order, and captures the combined diff as a single layer.
// A failing command marked NonFatal is logged and skipped; any other
// failure discards the diff and aborts. The overlay is unmounted before
// the layer is sealed, so a command's writes either make the layer or
// nothing does.
func (e *Env) RunLayer(ctx context.Context, name string, cmds []Command) (v1.Layer, error) {
	if len(e.lowers) == 0 {
		return nil, fmt.Errorf("base rootfs not unpacked")
	}

	stepDir := filepath.Join(e.dir, "steps", name)
	upper := filepath.Join(stepDir, "upper")
	work := filepath.Join(stepDir, "work")
	merged := filepath.Join(stepDir, "merged")

	ov, err := MountOverlay(e.lowers, upper, work, merged)
	if err != nil {
		return nil, err
	}

	runErr := func() error {
		for _, cmd := range cmds {
			e.log.Info("running step command", "step", name, "command", cmd.String())
			fmt.Fprintf(e.output, "+ %s\n", cmd.String())
			if err := e.exec.Run(ctx, merged, cmd, e.output); err != nil {
				if cmd.NonFatal {
					e.log.Warn("non-fatal command failed", "step", name, "command", cmd.String(), "error", err)
					fmt.Fprintf(e.output, "warning: %v\n", err)
					continue
				}
				return err
			}
		}
		return nil
	}()

	if err := ov.Unmount(); err != nil {
		// A busy mount would leak into later steps; treat as fatal.
		if runErr == nil {
			runErr = err
		}
		e.log.Error("unmount step overlay", "step", name, "error", err)
	}

	if runErr != nil {
		os.RemoveAll(stepDir)
		return nil, runErr
	}

	layer, err := e.sealLayer(name, func(w io.Writer) error {
		return archive.PackUpper(upper, w)
	})
	if err != nil {
		return nil, err
	}

	e.lowers = append(e.lowers, upper)
	return layer, nil
}

// CopyLayer packs hostDir into a layer rooted at destDir inside the image,
// and materializes the same files into the lower chain so later steps see
// them. No command runs.
func (e *Env) CopyLayer(ctx context.Context, name, hostDir, destDir string) (v1.Layer, error) {
	if len(e.lowers) == 0 {
		return nil, fmt.Errorf("base rootfs not unpacked")
	}

	upper := filepath.Join(e.dir, "steps", name, "upper")
	target := filepath.Join(upper, strings.TrimPrefix(filepath.Clean(destDir), "/"))
	if err := copyTree(hostDir, target); err != nil {
		os.RemoveAll(filepath.Join(e.dir, "steps", name))
		return nil, fmt.Errorf("copy source tree: %w", err)
	}

	layer, err := e.sealLayer(name, func(w io.Writer) error {
		return archive.PackDir(hostDir, destDir, w)
	})
	if err != nil {
		return nil, err
	}

	e.lowers = append(e.lowers, upper)
	return layer, nil
}

// Exists reports whether path is present in the current filesystem state,
// walking the lower chain top-down and honoring overlay deletion markers.
func (e *Env) Exists(path string) bool {
	rel := strings.TrimPrefix(filepath.Clean(path), "/")
	for i := len(e.lowers) - 1; i >= 0; i-- {
		full := filepath.Join(e.lowers[i], rel)
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		// Overlay whiteout device means deleted at this level
		if info.Mode()&fs.ModeCharDevice != 0 {
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// Close releases the environment. Layer files stay on disk until the bake's
// workspace is removed by the caller.
func (e *Env) Close() error {
	e.lowers = nil
	return nil
}

// sealLayer writes a layer tarball via pack and wraps it as a v1.Layer.
func (e *Env) sealLayer(name string, pack func(io.Writer) error) (v1.Layer, error) {
	layerPath := filepath.Join(e.dir, "layers", name+".tar.gz")
	f, err := os.Create(layerPath)
	if err != nil {
		return nil, fmt.Errorf("create layer file: %w", err)
	}
	if err := pack(f); err != nil {
		f.Close()
		os.Remove(layerPath)
		return nil, fmt.Errorf("pack layer %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close layer file: %w", err)
	}

	layer, err := tarball.LayerFromFile(layerPath)
	if err != nil {
		return nil, fmt.Errorf("layer from file: %w", err)
	}
	return layer, nil
}

// copyTree copies a directory tree preserving modes and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		default:
			// fifos and devices have no place in a source tree
			return nil
		}
	})
}
