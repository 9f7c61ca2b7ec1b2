// Package images stores baked images in a shared OCI layout on disk and
// keeps a JSON metadata record per image. Blobs are content addressed, so
// images sharing a base share its layer blobs.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnhq/kiln/lib/paths"
)

// Manager handles the baked-image store.
type Manager interface {
	ListImages(ctx context.Context) ([]*Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	DeleteImage(ctx context.Context, id string) error

	// PutImage publishes a finished image into the layout and records its
	// metadata. This is the only write path; it runs once per successful
	// bake, after every pipeline step has completed.
	PutImage(ctx context.Context, req PutImageRequest, img v1.Image) (*Image, error)

	// Manifest returns the raw manifest bytes and media type for a stored
	// image, looked up by serving name and tag or digest reference.
	Manifest(ctx context.Context, name, ref string) ([]byte, string, error)

	// Blob opens a blob from the layout by digest.
	Blob(ctx context.Context, digest string) (io.ReadCloser, int64, error)

	// Image loads a stored image back out of the layout, e.g. to push it
	// to an external registry.
	Image(ctx context.Context, id string) (v1.Image, error)
}

type manager struct {
	paths  *paths.Paths
	logger *slog.Logger
}

// NewManager creates the image store manager.
func NewManager(p *paths.Paths, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{paths: p, logger: logger}
}

func (m *manager) ListImages(ctx context.Context) ([]*Image, error) {
	return listMetadata(m.paths)
}

func (m *manager) GetImage(ctx context.Context, id string) (*Image, error) {
	return readMetadata(m.paths, id)
}

func (m *manager) DeleteImage(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	if lp, err := m.openLayout(); err == nil {
		if err := lp.RemoveDescriptors(match.Name(meta.Name)); err != nil {
			m.logger.Warn("remove layout descriptor", "id", id, "error", err)
		}
	}
	// Blobs stay in the layout; they are content addressed and may be
	// shared with other images.

	return os.RemoveAll(m.paths.ImageDir(id))
}

func (m *manager) PutImage(ctx context.Context, req PutImageRequest, img v1.Image) (*Image, error) {
	id := req.ID
	if id == "" {
		id = generateImageID(req.Name)
	}
	if imageExists(m.paths, id) {
		return nil, ErrAlreadyExists
	}

	lp, err := m.openLayout()
	if err != nil {
		return nil, err
	}

	if err := lp.AppendImage(img, layout.WithAnnotations(map[string]string{
		specsv1.AnnotationRefName: req.Name,
	})); err != nil {
		return nil, fmt.Errorf("append image to layout: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image digest: %w", err)
	}
	size, err := imageSize(img)
	if err != nil {
		return nil, fmt.Errorf("image size: %w", err)
	}

	meta := &Image{
		ID:         id,
		Name:       req.Name,
		Digest:     digest.String(),
		BaseDigest: req.BaseDigest,
		SizeBytes:  size,
		BakeID:     req.BakeID,
		Port:       req.Port,
		WorkingDir: req.WorkingDir,
		Command:    req.Command,
		CreatedAt:  time.Now().UTC(),
	}
	if err := writeMetadata(m.paths, meta); err != nil {
		return nil, err
	}

	m.logger.Info("image stored", "id", id, "name", req.Name, "digest", meta.Digest, "size_bytes", size)
	return meta, nil
}

func (m *manager) Manifest(ctx context.Context, name, ref string) ([]byte, string, error) {
	meta, err := m.findByName(name)
	if err != nil {
		return nil, "", err
	}

	digest := meta.Digest
	if strings.HasPrefix(ref, "sha256:") {
		if ref != meta.Digest {
			return nil, "", ErrNotFound
		}
		digest = ref
	}

	rc, _, err := m.Blob(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest blob: %w", err)
	}

	var mt struct {
		MediaType string `json:"mediaType"`
	}
	mediaType := string(specsv1.MediaTypeImageManifest)
	if json.Unmarshal(data, &mt) == nil && mt.MediaType != "" {
		mediaType = mt.MediaType
	}
	return data, mediaType, nil
}

func (m *manager) Blob(ctx context.Context, digest string) (io.ReadCloser, int64, error) {
	hash, err := v1.NewHash(digest)
	if err != nil {
		return nil, 0, fmt.Errorf("parse digest %q: %w", digest, err)
	}

	blobPath := filepath.Join(m.paths.ImageLayout(), "blobs", hash.Algorithm, hash.Hex)
	info, err := os.Stat(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	return f, info.Size(), nil
}

func (m *manager) Image(ctx context.Context, id string) (v1.Image, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}

	hash, err := v1.NewHash(meta.Digest)
	if err != nil {
		return nil, fmt.Errorf("parse digest %q: %w", meta.Digest, err)
	}

	lp, err := m.openLayout()
	if err != nil {
		return nil, err
	}
	img, err := lp.Image(hash)
	if err != nil {
		return nil, fmt.Errorf("load image from layout: %w", err)
	}
	return img, nil
}

// findByName locates an image record by its registry serving name.
func (m *manager) findByName(name string) (*Image, error) {
	imgs, err := listMetadata(m.paths)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		if img.Name == name || img.ID == name {
			return img, nil
		}
	}
	return nil, ErrNotFound
}

// openLayout opens the shared OCI layout, initializing it on first use.
func (m *manager) openLayout() (layout.Path, error) {
	dir := m.paths.ImageLayout()
	lp, err := layout.FromPath(dir)
	if err == nil {
		return lp, nil
	}
	lp, err = layout.Write(dir, empty.Index)
	if err != nil {
		return "", fmt.Errorf("initialize oci layout: %w", err)
	}
	return lp, nil
}

// imageSize sums the config and layer blob sizes.
func imageSize(img v1.Image) (int64, error) {
	manifest, err := img.Manifest()
	if err != nil {
		return 0, err
	}
	size := manifest.Config.Size
	for _, l := range manifest.Layers {
		size += l.Size
	}
	return size, nil
}

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// generateImageID creates a stable ID from a serving name.
// Example: bakes/x1y2z3 -> img-bakes-x1y2z3
func generateImageID(name string) string {
	sanitized := strings.Trim(idSanitizer.ReplaceAllString(name, "-"), "-")
	return "img-" + sanitized
}
