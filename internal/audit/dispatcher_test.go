package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]Record
	block   chan struct{}
	err     error
}

func (s *memorySink) Write(ctx context.Context, records []Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := append([]Record(nil), records...)
	s.batches = append(s.batches, copied)
	return s.err
}

func (s *memorySink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, batch := range s.batches {
		out = append(out, batch...)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherFlushesBySize(t *testing.T) {
	sink := &memorySink{}
	d, err := NewDispatcher(sink, DispatcherConfig{BatchSize: 2, FlushInterval: time.Hour, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		d.Submit(Record{RunID: id})
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := sink.records()
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if len(sink.batches) != 2 || len(sink.batches[0]) != 2 {
		t.Fatalf("batches = %+v", sink.batches)
	}
	for i, id := range []string{"r1", "r2", "r3"} {
		if got[i].RunID != id {
			t.Fatalf("record %d = %q", i, got[i].RunID)
		}
	}
}

func TestDispatcherFlushesOnInterval(t *testing.T) {
	sink := &memorySink{}
	d, err := NewDispatcher(sink, DispatcherConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	defer func() { _ = d.Close(context.Background()) }()

	d.Submit(Record{RunID: "tick"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.records()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("record was not flushed by the interval")
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	d, err := NewDispatcher(sink, DispatcherConfig{QueueSize: 1, BatchSize: 1, FlushInterval: time.Hour, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Submit(Record{RunID: "burst"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(sink.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(sink.records()); got == 0 || got >= 50 {
		t.Fatalf("records written = %d, expected some dropped", got)
	}
}

func TestDispatcherSubmitAfterCloseIsDropped(t *testing.T) {
	sink := &memorySink{}
	d, err := NewDispatcher(sink, DispatcherConfig{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	d.Submit(Record{RunID: "late"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(sink.records()) != 0 {
		t.Fatalf("records = %+v", sink.records())
	}
}

func TestDispatcherCloseHonoursContext(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	defer close(sink.block)
	d, err := NewDispatcher(sink, DispatcherConfig{BatchSize: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.Submit(Record{RunID: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatcherKeepsRunningAfterSinkError(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	d, err := NewDispatcher(sink, DispatcherConfig{BatchSize: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.Submit(Record{RunID: "a"})
	d.Submit(Record{RunID: "b"})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(sink.batches) != 2 {
		t.Fatalf("batches = %d", len(sink.batches))
	}
}

func TestFanoutCombinesErrors(t *testing.T) {
	ok := &memorySink{}
	bad1 := &memorySink{err: errors.New("postgres down")}
	bad2 := &memorySink{err: errors.New("bucket missing")}

	err := Fanout{bad1, ok, bad2}.Write(context.Background(), []Record{{RunID: "x"}})
	if err == nil {
		t.Fatal("expected combined error")
	}
	for _, want := range []string{"postgres down", "bucket missing"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if len(ok.records()) != 1 {
		t.Fatal("healthy sink did not receive the batch")
	}
	if err := (Fanout{ok}).Write(context.Background(), nil); err != nil {
		t.Fatalf("Fanout error = %v", err)
	}
}
