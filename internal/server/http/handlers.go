package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/server/session"
	"nnmcts/internal/tictactoe"
)

// Handler serves the /api/sessions routes over a session.Manager.
type Handler struct {
	mgr *session.Manager
}

func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) Manager() *session.Manager { return h.mgr }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write-json")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrIllegalMove),
		errors.Is(err, session.ErrGameOver),
		errors.Is(err, tictactoe.ErrInvalidFEN),
		errors.Is(err, mcts.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, mcts.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, mcts.ErrEvaluator):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		log.Error().Err(err).Msg("request-failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decode 允许空 body
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errors.Wrap(mcts.ErrInvalidParams, "bad json: "+err.Error())
	}
	return nil
}

func (h *Handler) snapshot(w http.ResponseWriter, status int, id string) {
	s, err := h.mgr.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, snapshotToDTO(s.Snapshot(h.mgr.Rules())))
}

func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req NewSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.mgr.New(req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	h.snapshot(w, http.StatusCreated, s.ID)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": h.mgr.IDs()})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.mgr.Search(r.Context(), chi.URLParam(r, "id"), session.SearchOptions{
		Budget:  req.Budget,
		Threads: req.Threads,
		Noise:   req.Noise,
		MaxTime: time.Duration(req.TimeMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultToDTO(res))
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Stop(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.mgr.Play(chi.URLParam(r, "id"), game.Move(req.Move))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToDTO(snap))
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.mgr.Dump(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleTreeDOT 渲染 Graphviz；?depth= 与 ?min_visits= 控制大小
func (h *Handler) handleTreeDOT(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.mgr.Dump(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	opt := mcts.DOTOptions{MaxDepth: 2, MinVisits: 1}
	q := r.URL.Query()
	if v, ok := atoiParam(q.Get("depth")); ok {
		opt.MaxDepth = v
	}
	if v, ok := atoiParam(q.Get("min_visits")); ok {
		opt.MinVisits = int64(v)
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	if err := mcts.WriteDOT(w, nodes, opt); err != nil {
		log.Warn().Err(err).Msg("write-dot")
	}
}

func atoiParam(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	return v, err == nil && v >= 0
}
