// Package registry exposes baked images over the OCI Distribution Spec pull
// protocol so container runtimes can fetch them directly from kiln.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	gcrregistry "github.com/google/go-containerregistry/pkg/registry"

	"github.com/kilnhq/kiln/lib/images"
)

var (
	manifestPattern = regexp.MustCompile(`^/v2/(.+)/manifests/([^/]+)$`)
	blobPattern     = regexp.MustCompile(`^/v2/(.+)/blobs/([^/]+)$`)
)

// Registry serves the image store read-only. Pull requests (manifests,
// blobs) are answered from the shared OCI layout; everything else falls
// through to an in-memory distribution registry, which keeps the endpoint
// spec-compliant without kiln accepting outside pushes into its store.
type Registry struct {
	manager  images.Manager
	logger   *slog.Logger
	fallback http.Handler
}

// New creates the registry endpoint over the image store.
func New(manager images.Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		manager:  manager,
		logger:   logger,
		fallback: gcrregistry.New(),
	}
}

// Handler returns the http.Handler for the /v2 endpoints.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			r.fallback.ServeHTTP(w, req)
			return
		}

		if req.URL.Path == "/v2/" || req.URL.Path == "/v2" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "{}")
			return
		}

		if m := manifestPattern.FindStringSubmatch(req.URL.Path); m != nil {
			r.serveManifest(w, req, m[1], m[2])
			return
		}
		if m := blobPattern.FindStringSubmatch(req.URL.Path); m != nil {
			r.serveBlob(w, req, m[2])
			return
		}

		r.fallback.ServeHTTP(w, req)
	})
}

func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, name, ref string) {
	data, mediaType, err := r.manager.Manifest(req.Context(), name, ref)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			http.Error(w, "manifest unknown", http.StatusNotFound)
			return
		}
		r.logger.Error("serve manifest", "name", name, "ref", ref, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (r *Registry) serveBlob(w http.ResponseWriter, req *http.Request, digest string) {
	rc, size, err := r.manager.Blob(req.Context(), digest)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			http.Error(w, "blob unknown", http.StatusNotFound)
			return
		}
		r.logger.Error("serve blob", "digest", digest, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", digest)
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		r.logger.Debug("blob copy interrupted", "digest", digest, "error", err)
	}
}
