package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/suite"
)

const maxBodySize = 1 << 20 // 1 MB

// startSessionsRequest is the JSON body for POST /v1/sessions. An empty
// device list starts every device in the catalog.
type startSessionsRequest struct {
	Suite   string   `json:"suite"`
	Devices []string `json:"devices"`
}

type startSessionsResponse struct {
	RunID    int               `json:"run_id"`
	Sessions []string          `json:"sessions"`
	Errors   map[string]string `json:"errors,omitempty"`
}

type listSessionsResponse struct {
	Sessions []engine.SessionInfo `json:"sessions"`
}

func (s *Server) handleStartSessions(w http.ResponseWriter, r *http.Request) {
	var req startSessionsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Suite == "" {
		s.writeError(w, http.StatusBadRequest, "suite is required")
		return
	}
	if _, err := s.suites.Resolve(req.Suite); errors.Is(err, suite.ErrUnknownSuite) {
		s.writeError(w, http.StatusBadRequest, "unknown suite")
		return
	}

	uids := req.Devices
	if len(uids) == 0 {
		uids = s.devices.UIDs()
	}
	if len(uids) == 0 {
		s.writeError(w, http.StatusBadRequest, "no devices")
		return
	}
	for _, uid := range uids {
		if _, ok := s.devices.Device(uid); !ok {
			s.writeError(w, http.StatusBadRequest, "unknown device "+uid)
			return
		}
	}

	resp := startSessionsResponse{RunID: s.engine.NextRunID(), Sessions: []string{}}
	for _, uid := range uids {
		dev, _ := s.devices.Device(uid)
		sess, err := s.engine.StartRun(resp.RunID, req.Suite, dev)
		if err != nil {
			if !errors.Is(err, engine.ErrDeviceBusy) {
				s.logger.Error("start session", "device", uid, "error", err)
			}
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[uid] = err.Error()
			continue
		}
		resp.Sessions = append(resp.Sessions, sess.Key())
	}

	if len(resp.Sessions) == 0 {
		s.writeJSON(w, http.StatusConflict, resp)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: s.engine.Sessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	runID, uid, ok := s.sessionParams(w, r)
	if !ok {
		return
	}

	err := s.engine.Resolve(runID, uid)
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrNoPendingPrompt):
		s.writeError(w, http.StatusConflict, "no pending prompt")
	case err != nil:
		s.logger.Error("resolve prompt", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve prompt")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	runID, uid, ok := s.sessionParams(w, r)
	if !ok {
		return
	}

	err := s.engine.Abort(runID, uid)
	if errors.Is(err, engine.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("abort session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to abort session")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// sessionParams parses the {run} and {device} URL parameters, writing a 400
// when the run id is not a number.
func (s *Server) sessionParams(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	runID, err := strconv.Atoi(chi.URLParam(r, "run"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, "", false
	}
	return runID, chi.URLParam(r, "device"), true
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	runID, uid, ok := s.sessionParams(w, r)
	if !ok {
		return nil, false
	}
	sess, err := s.engine.Session(runID, uid)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
