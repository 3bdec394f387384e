package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/iot-stream/internal/connection"
)

const insertMessageSQL = `
	INSERT INTO mqtt_messages (id, client_id, topic, payload, payload_hash, received_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

// finalFlushTimeout bounds the flush performed by Stop.
const finalFlushTimeout = 5 * time.Second

// BatchSender sends a queued batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// messageRow is one mqtt_messages row.
type messageRow struct {
	ID          uuid.UUID
	ClientID    string
	Topic       string
	Payload     []byte
	PayloadHash int64
	ReceivedAt  int64 // Unix microseconds
}

// MessageWriter consumes delivered messages and writes them to mqtt_messages.
type MessageWriter struct {
	cfg      WriterConfig
	clientID string
	logger   *slog.Logger

	input chan connection.Message

	db BatchSender

	// Batching
	batch       []messageRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
	dropped atomic.Int64
}

// NewMessageWriter creates a new MessageWriter. Rows are tagged with clientID.
func NewMessageWriter(cfg WriterConfig, clientID string, db BatchSender, logger *slog.Logger) *MessageWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &MessageWriter{
		cfg:      cfg,
		clientID: clientID,
		db:       db,
		logger:   logger.With("component", "writer"),
		input:    make(chan connection.Message, cfg.BufferSize),
		batch:    make([]messageRow, 0, cfg.BatchSize),
	}
}

// Deliver queues msg for archiving. It drops the message when the buffer is full.
func (w *MessageWriter) Deliver(msg connection.Message, _ []connection.Message) {
	select {
	case w.input <- msg:
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			w.logger.Warn("archive buffer full, dropping messages", "dropped", n)
		}
	}
}

// Start begins consuming messages and writing to the database.
func (w *MessageWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("message writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, draining queued messages.
func (w *MessageWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping message writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("message writer stopped")
	case <-ctx.Done():
		w.logger.Warn("message writer stop timed out")
		return ctx.Err()
	}

	// Drain whatever Deliver queued after the consumer exited.
drain:
	for {
		select {
		case msg := <-w.input:
			w.appendRow(w.transform(msg))
		default:
			break drain
		}
	}

	// Final flush
	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	w.flush(flushCtx)

	return nil
}

// Stats returns current metrics.
func (w *MessageWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	m := w.metrics
	m.Dropped = w.dropped.Load()
	return m
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *MessageWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.input:
			w.handleMessage(msg)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *MessageWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleMessage transforms and adds a message to the batch.
func (w *MessageWriter) handleMessage(msg connection.Message) {
	if w.appendRow(w.transform(msg)) {
		w.flush(w.ctx)
	}
}

// appendRow adds a row and reports whether the batch is full.
func (w *MessageWriter) appendRow(row messageRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Message to a messageRow.
func (w *MessageWriter) transform(msg connection.Message) messageRow {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	return messageRow{
		ID:          id,
		ClientID:    w.clientID,
		Topic:       msg.Topic,
		Payload:     payload,
		PayloadHash: int64(xxhash.Sum64(payload)),
		ReceivedAt:  receivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *MessageWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *MessageWriter) batchInsert(ctx context.Context, rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertMessageSQL, r.ID, r.ClientID, r.Topic, r.Payload, r.PayloadHash, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
