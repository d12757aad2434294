// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/flowline/pkg/auth"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

// StartRequest starts a workflow run.
type StartRequest struct {
	InputData map[string]any `json:"inputData"`
}

// ResumeRequest resumes a suspended run. Step may be empty when exactly one
// step is suspended.
type ResumeRequest struct {
	RunID      string         `json:"runId"`
	Step       string         `json:"step,omitempty"`
	ResumeData map[string]any `json:"resumeData"`
}

// NetworkRequest starts a network run.
type NetworkRequest struct {
	Message string         `json:"message"`
	Input   map[string]any `json:"input,omitempty"`
}

// compatRequest is either a start or a resume, told apart by runId.
type compatRequest struct {
	InputData  map[string]any `json:"inputData"`
	RunID      string         `json:"runId"`
	Step       string         `json:"step"`
	ResumeData map[string]any `json:"resumeData"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	h, err := s.engine.Start(r.Context(), chi.URLParam(r, "workflowID"), req.InputData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, r, h)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	s.resume(w, r, chi.URLParam(r, "workflowID"), req)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request, workflowID string, req ResumeRequest) {
	if req.RunID == "" {
		writeBadRequest(w, "runId is required")
		return
	}
	snap, err := s.engine.Get(r.Context(), req.RunID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snap.WorkflowID != workflowID {
		writeError(w, r, store.ErrRunNotFound)
		return
	}
	h, err := s.engine.Resume(r.Context(), req.RunID, req.Step, req.ResumeData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, r, h)
}

// handleCompat accepts the single-endpoint form older clients use: a start
// with inputData, or a resume with runId, step and resumeData.
func (s *Server) handleCompat(w http.ResponseWriter, r *http.Request) {
	var req compatRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	if req.RunID == "" {
		h, err := s.engine.Start(r.Context(), workflowID, req.InputData)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.respond(w, r, h)
		return
	}

	if s.validator != nil && len(s.resumeRoles) > 0 && !auth.GetClaims(r).HasAnyRole(s.resumeRoles...) {
		writeJSON(w, http.StatusForbidden, ErrorBody{Error: auth.ErrForbidden.Error(), Code: "forbidden"})
		return
	}
	s.resume(w, r, workflowID, ResumeRequest{RunID: req.RunID, Step: req.Step, ResumeData: req.ResumeData})
}

func (s *Server) handleStartNetwork(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	h, err := s.engine.StartNetwork(r.Context(), chi.URLParam(r, "name"), req.Message, req.Input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respond(w, r, h)
}

// respond streams the run as SSE, or waits and returns the snapshot when
// the client asked for JSON.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, h *engine.RunHandle) {
	if !wantsJSON(r) {
		s.streamSSE(w, r, h)
		return
	}
	h.Close()
	snap, err := h.Wait(r.Context())
	if snap == nil {
		if err == nil {
			err = store.ErrRunNotFound
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Run-ID", h.RunID)
	writeJSON(w, http.StatusOK, snap)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{WorkflowID: q.Get("workflow")}
	if v := q.Get("status"); v != "" {
		st, err := run.ParseStatus(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filter.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*run.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	after, err := afterSeq(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	records, err := s.engine.Records(r.Context(), chi.URLParam(r, "runID"), after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []run.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleWatchSSE(w http.ResponseWriter, r *http.Request) {
	after, err := afterSeq(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	h, err := s.engine.Watch(r.Context(), chi.URLParam(r, "runID"), after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.streamSSE(w, r, h)
}

// afterSeq reads the resume point from Last-Event-ID, falling back to ?after.
func afterSeq(r *http.Request) (int64, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidAfter
	}
	return n, nil
}
