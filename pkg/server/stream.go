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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/run"
)

var errInvalidAfter = errors.New("invalid Last-Event-ID or after: must be a non-negative integer")

// WriteEvent writes rec in SSE framing: the sequence number as the event
// id, the record kind as the event name, and the record as JSON data.
func WriteEvent(w io.Writer, rec run.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Kind, data)
	return err
}

// streamSSE relays h until its segment ends or the client goes away. The
// run itself is unaffected by a disconnect.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, h *engine.RunHandle) {
	defer h.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Run-ID", h.RunID)
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	records := h.Records()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Stream client disconnected", "run_id", h.RunID)
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := WriteEvent(w, rec); err != nil {
				slog.Debug("Failed to write stream event", "run_id", h.RunID, "error", err)
				return
			}
			_ = rc.Flush()
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}
}

// handleWatchWS follows a run over a websocket, one JSON record per text
// message, then closes normally.
func (s *Server) handleWatchWS(w http.ResponseWriter, r *http.Request) {
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
	defer h.Close()

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	records := h.Records()
	for {
		select {
		case <-gone:
			return
		case rec, ok := <-records:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run segment ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				slog.Debug("Failed to write websocket record", "run_id", h.RunID, "error", err)
				return
			}
		}
	}
}
