package images

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/lib/paths"
)

func newTestManager(t *testing.T) (Manager, *paths.Paths) {
	t.Helper()
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())
	return NewManager(p, nil), p
}

func TestPutImage(t *testing.T) {
	mgr, p := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(1024, 2)
	require.NoError(t, err)

	stored, err := mgr.PutImage(ctx, PutImageRequest{
		Name:       "bakes/abc123",
		BakeID:     "abc123",
		BaseDigest: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Port:       5000,
		WorkingDir: "/app",
		Command:    []string{"python", "src/main/python/main.py"},
	}, img)
	require.NoError(t, err)
	require.Equal(t, "img-bakes-abc123", stored.ID)
	require.Equal(t, "bakes/abc123", stored.Name)
	require.NotEmpty(t, stored.Digest)
	require.Greater(t, stored.SizeBytes, int64(0))
	require.Equal(t, 5000, stored.Port)

	// Metadata file exists
	_, err = os.Stat(p.ImageMetadata(stored.ID))
	require.NoError(t, err)

	// Layout holds the manifest blob
	rc, size, err := mgr.Blob(ctx, stored.Digest)
	require.NoError(t, err)
	defer rc.Close()
	require.Greater(t, size, int64(0))
}

func TestPutImageDuplicate(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(512, 1)
	require.NoError(t, err)

	req := PutImageRequest{Name: "bakes/dup", BakeID: "dup"}
	_, err = mgr.PutImage(ctx, req, img)
	require.NoError(t, err)

	_, err = mgr.PutImage(ctx, req, img)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestListImages(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	imgs, err := mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 0)

	img, err := random.Image(512, 1)
	require.NoError(t, err)
	_, err = mgr.PutImage(ctx, PutImageRequest{Name: "bakes/one", BakeID: "one"}, img)
	require.NoError(t, err)

	imgs, err = mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "bakes/one", imgs[0].Name)
}

func TestGetImageNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.GetImage(context.Background(), "img-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteImage(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(512, 1)
	require.NoError(t, err)
	stored, err := mgr.PutImage(ctx, PutImageRequest{Name: "bakes/gone", BakeID: "gone"}, img)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteImage(ctx, stored.ID))

	_, err = mgr.GetImage(ctx, stored.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again reports not found
	require.ErrorIs(t, mgr.DeleteImage(ctx, stored.ID), ErrNotFound)
}

func TestManifestByNameAndDigest(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(512, 1)
	require.NoError(t, err)
	stored, err := mgr.PutImage(ctx, PutImageRequest{Name: "bakes/m1", BakeID: "m1"}, img)
	require.NoError(t, err)

	// By serving name (tag lookup path)
	data, mediaType, err := mgr.Manifest(ctx, "bakes/m1", "latest")
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.NotEmpty(t, mediaType)

	// By digest
	byDigest, _, err := mgr.Manifest(ctx, "bakes/m1", stored.Digest)
	require.NoError(t, err)
	require.Equal(t, data, byDigest)

	// Wrong digest is not served
	_, _, err = mgr.Manifest(ctx, "bakes/m1", "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.ErrorIs(t, err, ErrNotFound)

	// Unknown repository
	_, _, err = mgr.Manifest(ctx, "bakes/nope", "latest")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlobServesLayerContent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(256, 1)
	require.NoError(t, err)
	_, err = mgr.PutImage(ctx, PutImageRequest{Name: "bakes/blob", BakeID: "blob"}, img)
	require.NoError(t, err)

	layers, err := img.Layers()
	require.NoError(t, err)
	digest, err := layers[0].Digest()
	require.NoError(t, err)

	rc, size, err := mgr.Blob(ctx, digest.String())
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, size, int64(len(data)))
}

func TestBlobNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, _, err := mgr.Blob(context.Background(), "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageLoadsFromLayout(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	img, err := random.Image(256, 1)
	require.NoError(t, err)
	stored, err := mgr.PutImage(ctx, PutImageRequest{Name: "bakes/load", BakeID: "load"}, img)
	require.NoError(t, err)

	loaded, err := mgr.Image(ctx, stored.ID)
	require.NoError(t, err)

	digest, err := loaded.Digest()
	require.NoError(t, err)
	require.Equal(t, stored.Digest, digest.String())

	_, err = mgr.Image(ctx, "img-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGenerateImageID(t *testing.T) {
	require.Equal(t, "img-bakes-x1y2z3", generateImageID("bakes/x1y2z3"))
	require.Equal(t, "img-my-app", generateImageID("my.app"))
}
