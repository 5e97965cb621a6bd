// Package api exposes a Source over HTTP: REST endpoints for reads and
// writes and a websocket for change subscriptions.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zoravur/budgetsync/internal/protocol"
	"github.com/zoravur/budgetsync/internal/reactive"
	"github.com/zoravur/budgetsync/internal/source"
)

const maxBody = 4 << 20

// Handler holds the resources shared by every endpoint.
type Handler struct {
	src        source.Source
	reg        *reactive.Registry
	dispatcher *protocol.Dispatcher
	log        *zap.Logger
}

// NewHandler serves src. When reg is not nil, GET /api/live also lists its
// live queries.
func NewHandler(src source.Source, reg *reactive.Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.L()
	}
	return &Handler{
		src: src,
		reg: reg,
		dispatcher: &protocol.Dispatcher{
			Source:   src,
			Registry: protocol.NewRegistry(),
			Log:      log.Named("ws"),
		},
		log: log,
	}
}

// Close releases the subscriptions of every connected client.
func (h *Handler) Close() error { return h.dispatcher.Close() }

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q source.Query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&q); err != nil {
		writeError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "invalid query body", err)
		return
	}
	if q.Table == "" {
		writeError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "query needs a table", nil)
		return
	}
	rows, err := h.src.Query(r.Context(), q)
	if err != nil {
		writeSourceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []source.Row{}
	}
	writeJSON(w, http.StatusOK, protocol.QueryResponse{Rows: rows})
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	table, op := chi.URLParam(r, "table"), chi.URLParam(r, "op")
	var req protocol.WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, protocol.CodeBadRequest, "invalid write body", err)
		return
	}

	ctx := r.Context()
	var (
		row source.Row
		err error
	)
	switch op {
	case "insert":
		row, err = h.src.Insert(ctx, table, req.Row)
	case "update":
		row, err = h.src.Update(ctx, table, req.Row, req.MatchColumn, req.MatchValue)
	case "upsert":
		row, err = h.src.Upsert(ctx, table, req.Row, req.OnConflict)
	case "delete":
		if err = h.src.Delete(ctx, table, req.MatchColumn, req.MatchValue); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	default:
		writeError(w, r, http.StatusNotFound, protocol.CodeBadRequest, "unknown operation "+op, nil)
		return
	}
	if err != nil {
		writeSourceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.WriteResponse{Row: row})
}

// LiveResponse is the body of GET /api/live.
type LiveResponse struct {
	Subscriptions []protocol.Info      `json:"subscriptions"`
	Queries       []reactive.QueryInfo `json:"queries"`
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	out := LiveResponse{Subscriptions: h.dispatcher.Registry.List(), Queries: []reactive.QueryInfo{}}
	if h.reg != nil {
		out.Queries = h.reg.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSourceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, source.ErrUnknownTable):
		writeError(w, r, http.StatusNotFound, protocol.CodeUnknownTable, err.Error(), nil)
	case errors.Is(err, source.ErrNotFound):
		writeError(w, r, http.StatusNotFound, protocol.CodeNotFound, err.Error(), nil)
	default:
		writeError(w, r, http.StatusInternalServerError, protocol.CodeInternal, "source error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, err error) {
	if err != nil {
		L(r.Context()).Warn(msg, zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: msg, Code: code})
}
