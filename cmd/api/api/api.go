// Package api implements the HTTP surface of the bake service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/bakes"
	"github.com/kilnhq/kiln/lib/images"
	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/pipeline"
)

// Pusher uploads images to external registries. lib/remote provides the
// production implementation.
type Pusher interface {
	Push(ctx context.Context, ref string, img v1.Image) error
}

// ApiService holds the managers the handlers delegate to.
type ApiService struct {
	Config       *config.Config
	BakeManager  bakes.Manager
	ImageManager images.Manager
	Pusher       Pusher
}

// New creates a new ApiService
func New(
	config *config.Config,
	bakeManager bakes.Manager,
	imageManager images.Manager,
	pusher Pusher,
) *ApiService {
	return &ApiService{
		Config:       config,
		BakeManager:  bakeManager,
		ImageManager: imageManager,
		Pusher:       pusher,
	}
}

// RegisterRoutes mounts the API routes on the router.
func (s *ApiService) RegisterRoutes(r chi.Router) {
	r.Route("/bakes", func(r chi.Router) {
		r.Post("/", s.CreateBake)
		r.Get("/", s.ListBakes)
		r.Get("/{id}", s.GetBake)
		r.Delete("/{id}", s.CancelBake)
		r.Get("/{id}/logs", s.GetBakeLogs)
		r.Get("/{id}/logs/stream", s.StreamBakeLogs)
	})
	r.Route("/images", func(r chi.Router) {
		r.Get("/", s.ListImages)
		r.Get("/{id}", s.GetImage)
		r.Delete("/{id}", s.DeleteImage)
		r.Post("/{id}/push", s.PushImage)
	})
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps manager errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "error"

	switch {
	case errors.Is(err, bakes.ErrNotFound), errors.Is(err, images.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, bakes.ErrInvalidRecipe),
		errors.Is(err, pipeline.ErrSourceUnreadable):
		status = http.StatusBadRequest
		code = "bad_request"
	case errors.Is(err, bakes.ErrAlreadyCompleted),
		errors.Is(err, images.ErrAlreadyExists):
		status = http.StatusConflict
		code = "conflict"
	}

	if status == http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.ErrorContext(r.Context(), "request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}
