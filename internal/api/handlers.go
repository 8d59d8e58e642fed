package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"flippio/internal/export"
	"flippio/internal/history"
	"flippio/internal/syncer"
)

// sessionView is the wire form of a working copy.
type sessionView struct {
	ContextKey string                `json:"contextKey"`
	SessionID  string                `json:"sessionId"`
	Device     history.DeviceContext `json:"device"`
	LocalPath  string                `json:"localPath"`
	RemotePath string                `json:"remotePath,omitempty"`
	PulledAt   time.Time             `json:"pulledAt"`
	Pending    int                   `json:"pending"`
}

func viewOf(wc *syncer.WorkingCopy) sessionView {
	return sessionView{
		ContextKey: wc.Key.String(),
		SessionID:  wc.SessionID,
		Device:     wc.Device,
		LocalPath:  wc.LocalPath,
		RemotePath: wc.RemotePath,
		PulledAt:   wc.PulledAt,
		Pending:    wc.Pending(),
	}
}

// revertResponse carries the Revert event and, when the push after the
// revert failed, the push error.
type revertResponse struct {
	Event     *history.ChangeEvent `json:"event"`
	PushError string               `json:"pushError,omitempty"`
}

type queryRequest struct {
	SQL  string `json:"sql" validate:"required"`
	Args []any  `json:"args,omitempty"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.engine.Sessions()),
	})
}

func (s *Server) listContexts(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.GetContextSummaries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	events, err := s.engine.GetChangeHistory(r.Context(), mux.Vars(r)["key"], limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, events)
}

func (s *Server) clearContext(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearContextChanges(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearAllChangeHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) getChange(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.GetChange(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, ev)
}

func (s *Server) revertChange(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.RevertChange(r.Context(), mux.Vars(r)["id"])
	switch {
	case err == nil:
		writeData(w, http.StatusOK, revertResponse{Event: ev})
	case ev != nil && errors.Is(err, history.ErrPush):
		// Applied and recorded locally; only the push failed.
		writeData(w, http.StatusAccepted, revertResponse{Event: ev, PushError: err.Error()})
	default:
		writeError(w, err)
	}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.engine.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, devices)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, wc := range sessions {
		out = append(out, viewOf(wc))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	var dc history.DeviceContext
	if err := decode(r, &dc); err != nil {
		badRequest(w, err.Error())
		return
	}
	wc, err := s.engine.Pull(r.Context(), dc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, viewOf(wc))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	wc, err := s.engine.Session(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, viewOf(wc))
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Release(mux.Vars(r)["key"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request) {
	var req syncer.MutationRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	m, err := req.ToMutation()
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.engine.Mutate(r.Context(), mux.Vars(r)["key"], m)
	switch {
	case err != nil && ev == nil:
		writeError(w, err)
	case err != nil:
		// The edit is applied; recording it failed.
		writeJSON(w, statusOf(err), envelope{Data: ev, Error: &errorBody{Stage: string(history.StageRecord), Message: err.Error()}})
	case ev == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeData(w, http.StatusCreated, ev)
	}
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := history.ValidateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Query(r.Context(), mux.Vars(r)["key"], req.SQL, syncer.NormalizeArgs(req.Args)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) tables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.engine.Tables(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, tables)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Push(r.Context(), mux.Vars(r)["key"]); err != nil {
		writeError(w, err)
		return
	}
	wc, err := s.engine.Session(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, viewOf(wc))
}

func (s *Server) pushAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.PushAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, envelope{
			Data:  map[string]int{"pushed": n},
			Error: &errorBody{Stage: string(history.StagePush), Message: err.Error()},
		})
		return
	}
	writeData(w, http.StatusOK, map[string]int{"pushed": n})
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Export(r.Context(), r.URL.Query()["context"]...)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="flippio-history.json"`)
	if err := export.Write(w, doc); err != nil {
		s.logger.Warn("write export", "error", err)
	}
}

func (s *Server) importHistory(w http.ResponseWriter, r *http.Request) {
	doc, err := export.Read(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Import(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
