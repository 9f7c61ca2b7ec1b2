// Package recipe defines the declarative bake descriptor: which base image
// to extend, what system tooling to provision, where the source tree lands,
// which dependency manifest to install, and the runtime contract (port and
// startup command) attached to the result.
package recipe

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/distribution/reference"
	"github.com/ghodss/yaml"
)

var (
	ErrInvalidBase    = errors.New("invalid base image reference")
	ErrInvalidWorkDir = errors.New("workdir must be an absolute path")
	ErrInvalidPort    = errors.New("port must be between 1 and 65535")
	ErrEmptyCommand   = errors.New("command must not be empty")
	ErrEmptyManifest  = errors.New("manifest path must not be empty")
)

// Recipe describes one bake. The zero value is not usable; construct with
// Default or Load.
type Recipe struct {
	// Base is the pinned base image reference, e.g. "python:3.9-slim".
	Base string `json:"base"`

	// Packages are the system packages installed by the provision step.
	// Empty means the provision step is skipped entirely.
	Packages []string `json:"packages,omitempty"`

	// WorkDir is the absolute path the source tree is copied under and the
	// working directory of the startup command.
	WorkDir string `json:"workdir"`

	// Manifest is the dependency manifest path, relative to WorkDir.
	Manifest string `json:"manifest"`

	// Port is the TCP port the launched process is documented to bind.
	// Advisory only; recording it never opens a socket.
	Port int `json:"port"`

	// Command is the startup argv executed as the container's primary
	// process. Never executed at bake time.
	Command []string `json:"command"`
}

// Default returns the stock recipe: a slim Python runtime with the Maven
// toolchain provisioned, source under /app, requirements installed without
// a cache, serving on 5000.
func Default() Recipe {
	return Recipe{
		Base:     "python:3.9-slim",
		Packages: []string{"maven"},
		WorkDir:  "/app",
		Manifest: "requirements.txt",
		Port:     5000,
		Command:  []string{"python", "src/main/python/main.py"},
	}
}

// Load parses a YAML recipe document. Absent fields keep their defaults.
func Load(data []byte) (Recipe, error) {
	r := Default()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Recipe{}, fmt.Errorf("parse recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// Validate checks the recipe for structural problems. It does not touch the
// network; whether the base reference actually resolves is decided by the
// base step at bake time.
func (r Recipe) Validate() error {
	if strings.TrimSpace(r.Base) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBase)
	}
	if _, err := reference.ParseNormalizedNamed(r.Base); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidBase, r.Base, err)
	}
	if !path.IsAbs(r.WorkDir) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkDir, r.WorkDir)
	}
	if r.Manifest == "" {
		return ErrEmptyManifest
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, r.Port)
	}
	if len(r.Command) == 0 {
		return ErrEmptyCommand
	}
	for _, pkg := range r.Packages {
		if strings.TrimSpace(pkg) == "" {
			return errors.New("package names must not be blank")
		}
	}
	return nil
}

// ManifestPath returns the manifest location inside the image filesystem.
func (r Recipe) ManifestPath() string {
	return path.Join(r.WorkDir, r.Manifest)
}
