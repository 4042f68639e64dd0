// Package audit persists an append-only log of NAS procedure outcomes for
// offline analysis, grounded on the teacher's UDR repository (the one
// component in the pack that actually drives ClickHouse) generalized from
// subscriber CRUD to event append.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Event records the outcome of one NAS procedure, to be appended to the
// sink for offline analysis (dashboards, incident review).
type Event struct {
	Time      time.Time
	UEID      uint32
	Procedure string
	Outcome   string
	Cause     string
	EBI       uint8
	Cid       uint8
}

// Sink appends procedure events. Implementations must tolerate being called
// from many goroutines concurrently (one per UE task).
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// NoopSink discards every event. Used in tests and when no ClickHouse DSN
// is configured.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (*NoopSink) Record(ctx context.Context, ev Event) {}
func (*NoopSink) Close() error                         { return nil }

// chConn is the subset of clickhouse-go/v2's driver.Conn this sink uses,
// narrowed so tests can substitute a fake without a live server.
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// ClickHouseSink buffers events in memory and flushes them to ClickHouse on
// a timer or once maxBatch events are buffered. Each buffered event is
// written with its own INSERT; a flush does not issue a multi-row insert.
type ClickHouseSink struct {
	conn     chConn
	log      *zap.Logger
	events   chan Event
	flushed  chan struct{}
	batch    []Event
	maxBatch int
}

// NewClickHouseSink starts a background flush loop writing into the
// nas_events table. The sink takes ownership of conn: Close flushes pending
// events and then closes conn.
func NewClickHouseSink(conn chConn, log *zap.Logger, flushEvery time.Duration, maxBatch int) *ClickHouseSink {
	if log == nil {
		log = zap.NewNop()
	}
	if maxBatch <= 0 {
		maxBatch = 100
	}
	s := &ClickHouseSink{
		conn:     conn,
		log:      log,
		events:   make(chan Event, 1024),
		flushed:  make(chan struct{}),
		maxBatch: maxBatch,
	}
	go s.run(flushEvery)
	return s
}

func (s *ClickHouseSink) Record(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("audit event dropped, sink backlog full",
			zap.Uint32("ue_id", ev.UEID), zap.String("procedure", ev.Procedure))
	}
}

func (s *ClickHouseSink) run(flushEvery time.Duration) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.flush()
				close(s.flushed)
				return
			}
			s.batch = append(s.batch, ev)
			if len(s.batch) >= s.maxBatch {
				s.flush()
			}
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *ClickHouseSink) flush() {
	if len(s.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ev := range s.batch {
		err := s.conn.Exec(ctx, insertEventQuery,
			ev.Time, ev.UEID, ev.Procedure, ev.Outcome, ev.Cause, ev.EBI, ev.Cid)
		if err != nil {
			s.log.Error("audit insert failed", zap.Error(err))
		}
	}
	s.batch = s.batch[:0]
}

const insertEventQuery = `
	INSERT INTO nas_events (
		event_time, ue_id, procedure, outcome, cause, ebi, cid
	) VALUES (?, ?, ?, ?, ?, ?, ?)
`

// Close drains any pending events and stops the flush loop.
func (s *ClickHouseSink) Close() error {
	close(s.events)
	<-s.flushed
	return s.conn.Close()
}

// NewRecordError is a convenience for call sites that want to fold a
// procedure failure's error into an Event without a separate string cause.
func NewRecordError(ueID uint32, procedure string, err error) Event {
	return Event{
		Time:      time.Now(),
		UEID:      ueID,
		Procedure: procedure,
		Outcome:   "error",
		Cause:     fmt.Sprint(err),
	}
}
