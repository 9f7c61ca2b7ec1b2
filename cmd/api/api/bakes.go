package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kilnhq/kiln/lib/bakes"
	"github.com/kilnhq/kiln/lib/logger"
)

// logStreamPollInterval is how often the websocket stream checks for new
// log output.
const logStreamPollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// CreateBake starts a new bake. The request is multipart/form-data with a
// required "context" file (gzipped tar of the build context) and an optional
// "recipe" YAML part; omitting the recipe bakes the stock one.
func (s *ApiService) CreateBake(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "bad_request",
			Message: "expected multipart/form-data: " + err.Error(),
		})
		return
	}

	var recipeYAML []byte
	var contextPart io.Reader

	// Read parts in order; the context must come last so it can stream
	// straight into extraction without buffering the archive.
	for contextPart == nil {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Code:    "bad_request",
				Message: "read multipart body: " + err.Error(),
			})
			return
		}

		switch part.FormName() {
		case "recipe":
			recipeYAML, err = io.ReadAll(io.LimitReader(part, 1<<20))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{
					Code:    "bad_request",
					Message: "read recipe part: " + err.Error(),
				})
				return
			}
		case "context":
			contextPart = part
		}
	}

	if contextPart == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "bad_request",
			Message: "missing context part",
		})
		return
	}

	bake, err := s.BakeManager.CreateBake(r.Context(), bakes.CreateBakeRequest{
		RecipeYAML: recipeYAML,
	}, contextPart)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, bake)
}

// ListBakes lists all bakes
func (s *ApiService) ListBakes(w http.ResponseWriter, r *http.Request) {
	list, err := s.BakeManager.ListBakes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetBake returns one bake
func (s *ApiService) GetBake(w http.ResponseWriter, r *http.Request) {
	bake, err := s.BakeManager.GetBake(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bake)
}

// CancelBake cancels a pending or running bake
func (s *ApiService) CancelBake(w http.ResponseWriter, r *http.Request) {
	if err := s.BakeManager.CancelBake(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBakeLogs returns the full bake log as plain text
func (s *ApiService) GetBakeLogs(w http.ResponseWriter, r *http.Request) {
	data, err := s.BakeManager.GetBakeLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// StreamBakeLogs streams the bake log over a websocket, following new
// output until the bake reaches a terminal state.
func (s *ApiService) StreamBakeLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	log := logger.FromContext(ctx)

	// Validate the bake before upgrading so a missing ID gets a clean 404.
	bake, err := s.BakeManager.GetBake(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(ctx, "websocket upgrade failed", "bake", id, "error", err)
		return
	}
	defer conn.Close()

	var offset int64
	terminal := isTerminal(bake.Status)

	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	for {
		data, next, err := s.BakeManager.ReadBakeLog(ctx, id, offset)
		if err != nil {
			log.WarnContext(ctx, "read bake log for stream", "bake", id, "error", err)
			return
		}
		offset = next

		if len(data) > 0 {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		// Drain the tail after the bake completes, then close cleanly.
		if terminal && len(data) == 0 {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, bake.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !terminal {
			bake, err = s.BakeManager.GetBake(ctx, id)
			if err != nil {
				return
			}
			terminal = isTerminal(bake.Status)
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case bakes.StatusReady, bakes.StatusFailed, bakes.StatusCancelled:
		return true
	default:
		return false
	}
}
