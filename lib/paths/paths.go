// Package paths centralizes the on-disk layout of the kiln data directory.
// Every package that persists state goes through Paths so the layout is
// defined in exactly one place.
package paths

import (
	"os"
	"path/filepath"
)

// Paths resolves locations under the kiln data directory.
//
// Layout:
//
//	<root>/bakes/<id>/metadata.json   bake lifecycle record
//	<root>/bakes/<id>/bake.log        step output log
//	<root>/bakes/<id>/context/        uploaded build context
//	<root>/bakes/<id>/workspace/      rootfs + overlay dirs (removed on completion)
//	<root>/images/layout/             shared OCI layout for built images
//	<root>/images/<id>/metadata.json  image record
type Paths struct {
	root string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{root: dataDir}
}

// Root returns the data directory root.
func (p *Paths) Root() string { return p.root }

// BakesDir returns the directory holding all bake records.
func (p *Paths) BakesDir() string { return filepath.Join(p.root, "bakes") }

// BakeDir returns the directory for a single bake.
func (p *Paths) BakeDir(id string) string { return filepath.Join(p.BakesDir(), id) }

// BakeMetadata returns the metadata file for a bake.
func (p *Paths) BakeMetadata(id string) string { return filepath.Join(p.BakeDir(id), "metadata.json") }

// BakeLog returns the log file for a bake.
func (p *Paths) BakeLog(id string) string { return filepath.Join(p.BakeDir(id), "bake.log") }

// BakeContext returns the extracted build context directory for a bake.
func (p *Paths) BakeContext(id string) string { return filepath.Join(p.BakeDir(id), "context") }

// BakeWorkspace returns the scratch workspace for a bake (rootfs, overlay
// upper dirs, captured layers). Deleted when the bake reaches a terminal
// state.
func (p *Paths) BakeWorkspace(id string) string { return filepath.Join(p.BakeDir(id), "workspace") }

// ImagesDir returns the directory holding built image records.
func (p *Paths) ImagesDir() string { return filepath.Join(p.root, "images") }

// ImageLayout returns the shared OCI layout directory where built image
// blobs are stored, content addressed.
func (p *Paths) ImageLayout() string { return filepath.Join(p.ImagesDir(), "layout") }

// ImageDir returns the directory for a single built image record.
func (p *Paths) ImageDir(id string) string { return filepath.Join(p.ImagesDir(), id) }

// ImageMetadata returns the metadata file for a built image.
func (p *Paths) ImageMetadata(id string) string {
	return filepath.Join(p.ImageDir(id), "metadata.json")
}

// EnsureBase creates the top-level directories.
func (p *Paths) EnsureBase() error {
	for _, dir := range []string{p.BakesDir(), p.ImagesDir(), p.ImageLayout()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
