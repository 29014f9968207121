// internal/app/features/hovertracking/handler.go
package hovertracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	hoverstore "github.com/dalemusser/conspiracypass/internal/app/store/hovertracking"
	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/app/system/htmlsanitize"
	"github.com/dalemusser/conspiracypass/internal/app/system/timeouts"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 4 << 20
	maxLabelLen  = 128
	// maxPositions caps stored samples per session.
	maxPositions = 20000
)

var errBadRequest = errors.New("hovertracking: bad request")

// Handler serves hover-tracking ingestion and the admin viewer queries.
type Handler struct {
	Store *hoverstore.Store
	Auth  *adminauth.Authorizer
	Log   *zap.Logger
	Now   func() time.Time
}

func NewHandler(store *hoverstore.Store, auth *adminauth.Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store: store,
		Auth:  auth,
		Log:   logger,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

type createRequest struct {
	UserID         string                 `json:"userId"`
	ContentID      string                 `json:"contentId"`
	ContentType    string                 `json:"contentType"`
	MousePositions []models.MousePosition `json:"mousePositions"`
	HoverMetrics   models.HoverMetrics    `json:"hoverMetrics"`
}

type createResponse struct {
	Success         bool                   `json:"success"`
	ID              string                 `json:"id"`
	SessionID       string                 `json:"sessionId"`
	MovementPattern models.MovementPattern `json:"movementPattern"`
}

// ServeCreate handles POST /hover-tracking.
func (h *Handler) ServeCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.fail(w, "create", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	rec := models.HoverTracking{
		SessionID:      uuid.NewString(),
		UserID:         htmlsanitize.Label(req.UserID, maxLabelLen),
		ContentID:      htmlsanitize.Label(req.ContentID, maxLabelLen),
		ContentType:    htmlsanitize.Label(req.ContentType, maxLabelLen),
		MousePositions: req.MousePositions,
		HoverMetrics:   req.HoverMetrics,
		CreatedAt:      h.Now().Truncate(time.Millisecond),
	}
	if rec.ContentID == "" {
		h.fail(w, "create", fmt.Errorf("%w: contentId is required", errBadRequest))
		return
	}
	if len(rec.MousePositions) > maxPositions {
		rec.MousePositions = rec.MousePositions[:maxPositions]
	}
	if rec.MousePositions == nil {
		rec.MousePositions = []models.MousePosition{}
	}
	rec.MovementPattern = Analyze(rec.MousePositions)

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "create hover record")
	defer cancel()
	saved, err := h.Store.Create(ctx, rec)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		Success:         true,
		ID:              saved.ID.Hex(),
		SessionID:       saved.SessionID,
		MovementPattern: saved.MovementPattern,
	})
}

// ServeVisualization handles PATCH /hover-tracking/{id}/visualization.
// Visualization data can be attached once.
func (h *Handler) ServeVisualization(w http.ResponseWriter, r *http.Request) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "visualize", fmt.Errorf("%w: invalid id", errBadRequest))
		return
	}
	var body struct {
		CloudinaryData map[string]interface{} `json:"cloudinaryData"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.fail(w, "visualize", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(body.CloudinaryData) == 0 {
		h.fail(w, "visualize", fmt.Errorf("%w: cloudinaryData is required", errBadRequest))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "attach visualization")
	defer cancel()
	if err := h.Store.AttachVisualization(ctx, id, body.CloudinaryData, h.Now()); err != nil {
		h.fail(w, "visualize", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id.Hex()})
}

// ServeSummary handles GET /hover-tracking/summary?adminCode=.
func (h *Handler) ServeSummary(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Check(r.URL.Query().Get("adminCode")); err != nil {
		h.fail(w, "summary", err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "hover summary")
	defer cancel()
	sums, err := h.Store.Summaries(ctx)
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summaries": sums})
}

// ServeList handles GET /hover-tracking?contentId=&adminCode=.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.Auth.Check(q.Get("adminCode")); err != nil {
		h.fail(w, "list", err)
		return
	}
	contentID := strings.TrimSpace(q.Get("contentId"))
	if contentID == "" {
		h.fail(w, "list", fmt.Errorf("%w: contentId is required", errBadRequest))
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "hover list")
	defer cancel()
	recs, err := h.Store.ListByContent(ctx, contentID)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if recs == nil {
		recs = []models.HoverTracking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(recs), "records": recs})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, adminauth.ErrMissing):
		status = http.StatusBadRequest
	case errors.Is(err, adminauth.ErrInvalid):
		status = http.StatusForbidden
	case docstore.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, hoverstore.ErrAlreadyVisualized), errors.Is(err, docstore.ErrDuplicate):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("hover tracking request failed", zap.String("op", op), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"success": false, "error": http.StatusText(status), "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
