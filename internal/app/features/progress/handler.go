// internal/app/features/progress/handler.go
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// maxBodyBytes bounds PUT and DELETE payloads.
const maxBodyBytes = 1 << 20

// Handler serves the progress protocol.
type Handler struct {
	Sync *Syncer
	Auth *adminauth.Authorizer
	Log  *zap.Logger
}

// NewHandler constructs a progress Handler.
func NewHandler(sync *Syncer, auth *adminauth.Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Sync: sync, Auth: auth, Log: logger}
}

// ServeGet handles GET /progress?code=.
//
//	code=all         every record keyed by participant code
//	code=<code>      the record, created with defaults on first visit
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeError(w, h.Log, "get", err)
		return
	}

	if code == CodeAll {
		ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "list participants")
		defer cancel()
		all, err := h.Sync.All(ctx)
		if err != nil {
			writeError(w, h.Log, "list", err)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	if Reserved(code) {
		writeError(w, h.Log, "get", fmt.Errorf("%w: %q is not a participant code", ErrMalformed, code))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get participant")
	defer cancel()
	p, err := h.Sync.GetOrCreate(ctx, code)
	if err != nil {
		writeError(w, h.Log, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ServePut handles PUT /progress?code=.
//
// For missions-lock and missions-unlock the body is {missionId, adminCode} and
// the flag is written to the global config and every participant. Otherwise
// the body is merged into the participant's record.
func (h *Handler) ServePut(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeError(w, h.Log, "put", err)
		return
	}
	body, err := decodeBody(w, r)
	if err != nil {
		writeError(w, h.Log, "put", err)
		return
	}

	switch code {
	case CodeMissionsLock, CodeMissionsUnlock:
		h.setMission(w, r, body, code == CodeMissionsUnlock)
		return
	case CodeAll:
		writeError(w, h.Log, "put", fmt.Errorf("%w: %q is not a participant code", ErrMalformed, code))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "save participant")
	defer cancel()
	p, err := h.Sync.Merge(ctx, code, body)
	if err != nil {
		writeError(w, h.Log, "put", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setMission(w http.ResponseWriter, r *http.Request, body map[string]any, unlocked bool) {
	op := "lock mission"
	if unlocked {
		op = "unlock mission"
	}

	n, err := missionID(body["missionId"])
	if err != nil {
		writeError(w, h.Log, op, err)
		return
	}
	operator, err := h.operator(body)
	if err != nil {
		writeError(w, h.Log, op, err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, op)
	defer cancel()
	upd, err := h.Sync.SetMissionForAll(ctx, n, unlocked)
	if err != nil {
		writeError(w, h.Log, op, err)
		return
	}
	h.Log.Info("mission flag written to all participants",
		zap.String("operator", operator),
		zap.Int("mission", n),
		zap.Bool("unlocked", unlocked),
		zap.Int64("matched", upd.MatchedCount),
		zap.Int64("modified", upd.ModifiedCount))
	writeJSON(w, http.StatusOK, upd)
}

// ServeDelete handles DELETE /progress?code= with body {adminCode}.
// code=all removes every participant and relocks every mission.
func (h *Handler) ServeDelete(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeError(w, h.Log, "delete", err)
		return
	}
	body, err := decodeBody(w, r)
	if err != nil {
		writeError(w, h.Log, "delete", err)
		return
	}
	operator, err := h.operator(body)
	if err != nil {
		writeError(w, h.Log, "delete", err)
		return
	}

	if code == CodeAll {
		ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "delete all participants")
		defer cancel()
		res, err := h.Sync.DeleteAll(ctx)
		if err != nil {
			writeError(w, h.Log, "delete all", err)
			return
		}
		h.Log.Warn("all participants deleted",
			zap.String("operator", operator),
			zap.Int64("deleted", res.DeletedCount))
		writeJSON(w, http.StatusOK, res)
		return
	}
	if Reserved(code) {
		writeError(w, h.Log, "delete", fmt.Errorf("%w: %q is not a participant code", ErrMalformed, code))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "delete participant")
	defer cancel()
	res, err := h.Sync.Delete(ctx, code)
	if err != nil {
		writeError(w, h.Log, "delete", err)
		return
	}
	h.Log.Info("participant deleted",
		zap.String("operator", operator),
		zap.String("code", code),
		zap.Int64("deleted", res.DeletedCount))
	writeJSON(w, http.StatusOK, res)
}

// ServeOptions answers preflight requests with 200 and no body.
func (h *Handler) ServeOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

// ServeConfig handles GET /progress/config.
func (h *Handler) ServeConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "missions config")
	defer cancel()
	cfg, err := h.Sync.Config(ctx)
	if err != nil {
		writeError(w, h.Log, "config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// operator checks the adminCode field. Presence is checked before validity so
// a missing code is a 400 and a wrong one a 403.
func (h *Handler) operator(body map[string]any) (string, error) {
	raw, ok := body["adminCode"]
	if !ok || raw == nil {
		return "", adminauth.ErrMissing
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: adminCode must be a string", ErrMalformed)
	}
	return h.Auth.Operator(s)
}

func codeParam(r *http.Request) (string, error) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		return "", fmt.Errorf("%w: code query parameter is required", ErrMalformed)
	}
	return code, nil
}

// decodeBody reads a JSON object. Numbers stay json.Number so integer fields
// survive the merge unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: request body is empty", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: request body must be a JSON object", ErrMalformed)
	}
	return body, nil
}

// missionID accepts a JSON number or a numeric string. Range is checked later
// so authorization failures win over out-of-range missions.
func missionID(v any) (int, error) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missionId is required", ErrMalformed)
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	case float64:
		f = t
	default:
		return 0, fmt.Errorf("%w: missionId must be a number", ErrMalformed)
	}
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: missionId %v is not a whole number", ErrMalformed, v)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: missionId %v is out of range", ErrMalformed, v)
	}
	return int(f), nil
}
