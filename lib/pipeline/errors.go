package pipeline

import "errors"

// Build-time failure kinds. Every one of them is fatal to the bake: the
// engine stops at the first error and nothing gets published. Run-time
// conditions (entrypoint missing, port conflicts) are deliberately absent;
// they belong to whatever runs the image.
var (
	// ErrBaseImageUnresolvable means the pinned base reference could not be
	// resolved or fetched from its registry.
	ErrBaseImageUnresolvable = errors.New("base image unresolvable")

	// ErrPackageInstall means the system package installation failed
	// (unreachable index, unsatisfiable dependency, non-zero exit).
	ErrPackageInstall = errors.New("system package installation failed")

	// ErrSourceUnreadable means the build context is missing or unreadable.
	ErrSourceUnreadable = errors.New("build context unreadable")

	// ErrManifestNotFound means the dependency manifest is absent from the
	// copied source tree.
	ErrManifestNotFound = errors.New("dependency manifest not found")

	// ErrDependencyResolution means a declared dependency could not be
	// resolved or installed. No partial dependency set is kept.
	ErrDependencyResolution = errors.New("dependency resolution failed")
)
