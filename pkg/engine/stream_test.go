package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

func collect(t *testing.T, sub *subscriber) []run.Record {
	t.Helper()
	var out []run.Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec, ok := <-sub.out:
			if !ok {
				return out
			}
			out = append(out, rec)
		case <-timeout:
			t.Fatal("subscriber did not finish")
		}
	}
}

func seqs(records []run.Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Seq)
	}
	return out
}

func TestStream_SequencesAndFansOut(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, run.New("r1", "wf", run.RunWorkflow, nil)))

	s := newStream("r1", 10, st, 3, nil)
	early := s.subscribe(10, nil)

	for range 3 {
		s.publish(run.Record{Kind: run.KindEvent})
	}
	late := s.subscribe(11, nil)
	s.publish(run.Record{Kind: run.KindEvent})
	s.close(nil, nil)

	assert.Equal(t, []int64{11, 12, 13, 14}, seqs(collect(t, early)))
	assert.Equal(t, []int64{12, 13, 14}, seqs(collect(t, late)))

	_, ok := s.publish(run.Record{Kind: run.KindEvent})
	assert.False(t, ok)

	persisted, err := st.Records(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13}, seqs(persisted))

	require.NoError(t, s.flush(ctx))
	persisted, err = st.Records(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13, 14}, seqs(persisted))
}

func TestStream_SubscribeAfterClose(t *testing.T) {
	s := newStream("r1", 0, store.NewMemoryStore(), 0, nil)
	s.publish(run.Record{Kind: run.KindRun, Status: string(run.StatusSuccess)})
	s.close(nil, nil)

	backlog := []run.Record{{Seq: 0, Kind: run.KindEvent}}
	got := collect(t, s.subscribe(0, backlog))
	assert.Equal(t, []int64{0, 1}, seqs(got))
}

func TestSubscriber_StopDoesNotBlockPublisher(t *testing.T) {
	s := newStream("r1", 0, store.NewMemoryStore(), 0, nil)
	sub := s.subscribe(0, nil)
	sub.stop()

	done := make(chan struct{})
	go func() {
		for range 100 {
			s.publish(run.Record{Kind: run.KindEvent})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stopped subscriber")
	}
	s.close(nil, nil)
	_, open := <-sub.out
	assert.False(t, open)
}
