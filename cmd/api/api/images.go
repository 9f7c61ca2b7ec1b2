package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/reference"
)

// ListImages lists all baked images
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.ImageManager.ListImages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imgs)
}

// GetImage gets image details
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.ImageManager.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// DeleteImage deletes an image record and its registry reference
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.ImageManager.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pushImageRequest is the body of a push request.
type pushImageRequest struct {
	// Ref is the destination reference, e.g. "registry.example.com/app:v1".
	Ref string `json:"ref"`
}

// PushImage uploads a baked image to an external registry
func (s *ApiService) PushImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := logger.FromContext(r.Context())

	var req pushImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "bad_request",
			Message: "parse request body: " + err.Error(),
		})
		return
	}
	if _, err := reference.Parse(req.Ref); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "bad_request",
			Message: "invalid destination reference: " + err.Error(),
		})
		return
	}

	img, err := s.ImageManager.Image(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.Pusher.Push(r.Context(), req.Ref, img); err != nil {
		writeError(w, r, err)
		return
	}

	log.InfoContext(r.Context(), "image pushed", "id", id, "ref", req.Ref)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "ref": req.Ref})
}
