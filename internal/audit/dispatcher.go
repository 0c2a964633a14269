package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type DispatcherConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// Dispatcher buffers records and hands them to a sink in batches from a single
// background worker. Submit never blocks; a full queue drops the record.
type Dispatcher struct {
	sink   Sink
	cfg    DispatcherConfig
	logger *slog.Logger

	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, cfg DispatcherConfig) (*Dispatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *Dispatcher) Submit(record Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		recordsDropped.Inc()
		return
	}
	select {
	case d.queue <- record:
		recordsSubmitted.Inc()
	default:
		recordsDropped.Inc()
		d.logger.Warn("audit queue full, dropping record", "run_id", record.RunID, "tenant_id", record.TenantID)
	}
}

// Close stops accepting records and waits for queued records to be flushed or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, d.cfg.BatchSize)
	for {
		select {
		case record, ok := <-d.queue:
			if !ok {
				d.flush(batch)
				return
			}
			batch = append(batch, record)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = make([]Record, 0, d.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = make([]Record, 0, d.cfg.BatchSize)
			}
		}
	}
}

func (d *Dispatcher) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	if err := d.sink.Write(ctx, batch); err != nil {
		batchesWritten.WithLabelValues("error").Inc()
		d.logger.Error("audit batch write failed", "records", len(batch), "error", err)
		return
	}
	batchesWritten.WithLabelValues("ok").Inc()
}
