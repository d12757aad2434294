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

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/flowline/pkg/run"
)

const (
	maxReconnects  = 5
	reconnectDelay = 500 * time.Millisecond
)

// Event is one parsed SSE event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Parser reads SSE events. Comment lines, such as heartbeats, are skipped.
type Parser struct {
	r *bufio.Reader
}

func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (p *Parser) Next() (Event, error) {
	var (
		ev   Event
		data [][]byte
		seen bool
	)
	for {
		// ReadBytes has no line length limit, unlike bufio.Scanner.
		line, err := p.r.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			if errors.Is(err, io.EOF) && seen {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if !seen {
				continue
			}
			ev.Data = bytes.Join(data, []byte("\n"))
			return ev, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "id":
			ev.ID = string(value)
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		default:
			continue
		}
		seen = true
	}
}

// Stream yields the records of one run segment.
type Stream struct {
	RunID string

	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	parser *Parser
	// watch streams reconnect from the last seen sequence number.
	watch   bool
	lastSeq int64
	done    bool
}

func (c *Client) openStream(ctx context.Context, method, path string, body any, after int64) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{client: c, ctx: ctx, cancel: cancel, watch: method == http.MethodGet, lastSeq: after}
	if err := s.connect(method, path, body); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Stream) connect(method, path string, body any) error {
	req, err := s.client.newRequest(s.ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(s.lastSeq, 10))
	}

	resp, err := s.client.stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return err
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type %q", ct)
	}
	if id := resp.Header.Get("X-Run-ID"); id != "" {
		s.RunID = id
	}
	s.body = resp.Body
	s.parser = NewParser(resp.Body)
	return nil
}

// Next returns the next record. It returns io.EOF after the record that
// ends the segment. Watch streams reconnect with Last-Event-ID when the
// connection drops before that.
func (s *Stream) Next() (run.Record, error) {
	for {
		if s.done {
			return run.Record{}, io.EOF
		}
		ev, err := s.parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return run.Record{}, io.EOF
			}
			if rerr := s.reconnect(err); rerr != nil {
				return run.Record{}, rerr
			}
			continue
		}

		var rec run.Record
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return run.Record{}, fmt.Errorf("failed to decode record %s: %w", ev.ID, err)
		}
		if rec.Seq <= s.lastSeq {
			continue
		}
		s.lastSeq = rec.Seq
		if s.RunID == "" {
			s.RunID = rec.RunID
		}
		if rec.Final() {
			s.done = true
		}
		return rec, nil
	}
}

func (s *Stream) reconnect(cause error) error {
	if !s.watch || s.RunID == "" || s.ctx.Err() != nil {
		return cause
	}
	s.body.Close()
	path := "/runs/" + s.RunID + "/stream"
	var err error
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		slog.Debug("Reconnecting run stream", "run_id", s.RunID, "after", s.lastSeq, "attempt", attempt, "error", cause)
		select {
		case <-time.After(time.Duration(attempt) * reconnectDelay):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
		if err = s.connect(http.MethodGet, path, nil); err == nil {
			return nil
		}
	}
	return fmt.Errorf("stream lost after %d reconnects: %w", maxReconnects, err)
}

// Collect reads the remaining records of the segment.
func (s *Stream) Collect() ([]run.Record, error) {
	var out []run.Record
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// LastSeq is the sequence number of the last record returned.
func (s *Stream) LastSeq() int64 {
	return s.lastSeq
}

func (s *Stream) Close() error {
	s.cancel()
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
