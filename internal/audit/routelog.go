// Package audit records every routing decision as a structured log entry.
// Entries are batched off the routing path; when the buffer is full they are
// dropped rather than blocking a tick or a network callback.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberforge/scene-director/internal/logger"
)

// Decision classifies what the router did with a connection
type Decision string

const (
	DecisionRedirect Decision = "redirect"
	DecisionQueued   Decision = "queued"
	DecisionKick     Decision = "kick"
)

// Entry is one routing decision
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	ConnID      int64     `json:"conn_id"`
	AccountID   int64     `json:"account_id,omitempty"`
	CharacterID int64     `json:"character_id,omitempty"`
	SceneName   string    `json:"scene_name,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
}

// routeLogger batches entries and flushes them through zap
type routeLogger struct {
	logChan       chan *Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

var (
	global *routeLogger
	once   sync.Once
)

// Init initializes the global route logger.
// batchSize: entries to accumulate before flushing.
// flushInterval: maximum time to wait before flushing.
func Init(batchSize int, flushInterval time.Duration) {
	once.Do(func() {
		global = &routeLogger{
			logChan:       make(chan *Entry, batchSize*2),
			batchSize:     batchSize,
			flushInterval: flushInterval,
			stopChan:      make(chan struct{}),
		}
		global.start()
	})
}

// Log records a routing decision. Non-blocking: if the buffer is full the
// entry is dropped.
func Log(entry *Entry) {
	entry.Timestamp = time.Now()

	if global == nil {
		flushOne(entry)
		return
	}

	select {
	case global.logChan <- entry:
	default:
		// Buffer full; losing an audit line beats stalling routing
	}
}

// Shutdown flushes remaining entries and stops the worker
func Shutdown() {
	if global != nil {
		close(global.stopChan)
		global.wg.Wait()
	}
}

func (l *routeLogger) start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		batch := make([]*Entry, 0, l.batchSize)
		ticker := time.NewTicker(l.flushInterval)
		defer ticker.Stop()

		flush := func() {
			for _, e := range batch {
				flushOne(e)
			}
			batch = batch[:0]
		}

		for {
			select {
			case <-l.stopChan:
				// Drain whatever is still queued
				for {
					select {
					case e := <-l.logChan:
						batch = append(batch, e)
					default:
						flush()
						return
					}
				}
			case e := <-l.logChan:
				batch = append(batch, e)
				if len(batch) >= l.batchSize {
					flush()
				}
			case <-ticker.C:
				if len(batch) > 0 {
					flush()
				}
			}
		}
	}()
}

func flushOne(e *Entry) {
	logger.L.Info("route",
		zap.Time("ts", e.Timestamp),
		zap.Int64("conn_id", e.ConnID),
		zap.Int64("account_id", e.AccountID),
		zap.Int64("character_id", e.CharacterID),
		zap.String("scene", e.SceneName),
		zap.String("instance_id", e.InstanceID),
		zap.String("decision", string(e.Decision)),
		zap.String("reason", e.Reason),
	)
}
