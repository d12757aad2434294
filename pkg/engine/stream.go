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

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

const persistTimeout = 10 * time.Second

// stream is the record multiplexer of one run segment. Publishing assigns the
// next sequence number, appends to the segment log and fans out to every
// subscriber without waiting on any of them.
type stream struct {
	runID   string
	store   store.Store
	metrics *observability.Metrics
	buffer  int

	mu      sync.Mutex
	seq     int64
	log     []run.Record
	pending []run.Record
	subs    map[*subscriber]struct{}
	closed  bool

	flushMu sync.Mutex

	done   chan struct{}
	result *run.Snapshot
	err    error
}

func newStream(runID string, seq int64, st store.Store, buffer int, metrics *observability.Metrics) *stream {
	return &stream{
		runID:   runID,
		store:   st,
		metrics: metrics,
		buffer:  buffer,
		seq:     seq,
		subs:    make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
}

// publish stamps rec and delivers it. Records published after close are
// dropped.
func (s *stream) publish(rec run.Record) (run.Record, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rec, false
	}
	s.seq++
	rec.Seq = s.seq
	rec.RunID = s.runID
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	s.log = append(s.log, rec)
	s.pending = append(s.pending, rec)
	for sub := range s.subs {
		sub.push(rec)
	}
	full := s.buffer > 0 && len(s.pending) >= s.buffer
	s.mu.Unlock()

	s.metrics.RecordPublished(context.Background(), string(rec.Kind))
	if full {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.flush(ctx); err != nil {
			slog.Warn("Failed to persist run records", "run_id", s.runID, "error", err)
		}
	}
	return rec, true
}

// flush persists pending records. Batches are written in publish order.
func (s *stream) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.store.AppendRecords(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *stream) lastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// subscribe returns a subscriber primed with the segment records after seq.
func (s *stream) subscribe(after int64, backlog []run.Record) *subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	initial := backlog
	for _, rec := range s.log {
		if rec.Seq > after {
			initial = append(initial, rec)
		}
	}
	sub := newSubscriber(initial)
	if s.closed {
		sub.finish()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// close ends the segment: subscribers drain what they have and stop.
func (s *stream) close(result *run.Snapshot, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.result = result
	s.err = err
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = nil
	s.mu.Unlock()
	close(s.done)
}

// subscriber is an unbounded ordered mailbox drained by its own goroutine.
type subscriber struct {
	out chan run.Record

	mu       sync.Mutex
	queue    []run.Record
	finished bool

	signal   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func newSubscriber(initial []run.Record) *subscriber {
	s := &subscriber{
		out:    make(chan run.Record),
		queue:  initial,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(rec run.Record) {
	select {
	case <-s.quit:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, rec)
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.quit:
				return
			}
		}
		rec := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- rec:
		case <-s.quit:
			return
		}
	}
}
