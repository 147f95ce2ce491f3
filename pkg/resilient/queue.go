// Package resilient implements the durable message queue: every inbound
// message and every response is recorded in the document store so that work
// orphaned by a crashed worker can be replayed when its session reconnects.
//
// Queue writes are fire-and-forget. A persistence failure is logged and
// never blocks or fails the caller-visible response; the queue is a
// durability aid, not the source of truth for the response itself.
package resilient

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/store"
)

// Worker status markers. Only "started" matters to requeue: it identifies
// work a worker picked up but never completed.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusError    = "error"
)

// pendingRemovalDelay defers pending-marker removal after a finished
// response, to avoid racing the response write that triggered it.
const pendingRemovalDelay = time.Second

// ReplayFunc re-injects a pending message into the dispatch pipeline.
type ReplayFunc func(msg *message.Envelope)

// Queue is the resilient message log. Records live under a single store
// document:
//
//	message/<ix>/content       original envelope
//	message/<ix>/token         owning session token
//	message/<ix>/workerStatus  started|finished|error
//	message/<ix>/response/<n>  response sequence
//	pending/<token>/<ix>       marker, present until a finished response
type Queue struct {
	store    store.Store
	document string
	keep     time.Duration
	counter  uint64
}

// New creates a queue over a store document. keepPeriod bounds how long
// completed messages are retained before garbage collection.
func New(st store.Store, document string, keepPeriod time.Duration) *Queue {
	if document == "" {
		document = "hubgateQueue"
	}
	if keepPeriod <= 0 {
		keepPeriod = time.Hour
	}
	return &Queue{store: st, document: document, keep: keepPeriod}
}

// newIndex builds the composite record index: millisecond timestamp plus a
// process-wide counter to break ties. Fixed-width so string order matches
// insertion order.
func (q *Queue) newIndex() string {
	n := atomic.AddUint64(&q.counter, 1)
	return fmt.Sprintf("%013d-%09d", time.Now().UnixMilli(), n%1_000_000_000)
}

func (q *Queue) messageLoc(ix string, subs ...string) store.Locator {
	return store.Loc(q.document, append([]string{"message", ix}, subs...)...)
}

func (q *Queue) pendingLoc(token string, subs ...string) store.Locator {
	return store.Loc(q.document, append([]string{"pending", token}, subs...)...)
}

// StoreIncoming records an inbound message and its pending marker, and
// returns the assigned index. Returns "" when the message carries no token
// to key the pending marker on.
func (q *Queue) StoreIncoming(msg *message.Envelope) string {
	ix := q.newIndex()

	data, err := msgpack.Marshal(msg)
	if err != nil {
		logger.WarnCF("resilient", "encode incoming message failed", map[string]interface{}{"error": err.Error()})
		return ix
	}
	q.set(q.messageLoc(ix, "content"), data)

	if msg.Token != "" {
		q.set(q.messageLoc(ix, "token"), []byte(msg.Token))
		q.set(q.pendingLoc(msg.Token, ix), []byte("1"))
	}
	return ix
}

// StoreWorkerStatus marks the processing state of a recorded message.
func (q *Queue) StoreWorkerStatus(msg *message.Envelope, status string) {
	if msg.DBIndex == "" {
		return
	}
	q.set(q.messageLoc(msg.DBIndex, "workerStatus"), []byte(status))
}

// StoreResponse records one response for a message. A reconnect-type
// response triggers a requeue scan of the token's other pending records; a
// finished response schedules removal of the pending marker. Register-type
// responses are skipped: no session token exists yet to key them on.
func (q *Queue) StoreResponse(resp *message.Response, token, ix string, seqNo int, replay ReplayFunc) {
	if resp.Type == message.TypeRegister {
		return
	}
	if resp.Type == message.TypeReregister {
		q.Requeue(token, ix, replay)
	}
	if token == "" || ix == "" {
		return
	}

	data, err := msgpack.Marshal(resp)
	if err != nil {
		logger.WarnCF("resilient", "encode response failed", map[string]interface{}{"error": err.Error()})
		return
	}
	q.set(q.messageLoc(ix, "response", strconv.Itoa(seqNo)), data)

	if resp.Finished {
		pending := q.pendingLoc(token, ix)
		time.AfterFunc(pendingRemovalDelay, func() {
			if err := q.store.Kill(pending); err != nil {
				logger.WarnCF("resilient", "pending removal failed", map[string]interface{}{
					"index": ix, "error": err.Error(),
				})
			}
		})
	}
}

// Requeue replays every pending record for a token except the one currently
// being processed. Each record is replayed at most once: its pending marker
// is removed whether or not it qualifies for replay. Records whose worker
// had started but not finished them are flagged resubmitted so handlers can
// detect a retry.
func (q *Queue) Requeue(token, currentIx string, replay ReplayFunc) {
	if token == "" {
		return
	}

	var ixs []string
	err := q.store.Children(q.pendingLoc(token), func(sub string, _ []byte) bool {
		ixs = append(ixs, sub)
		return true
	})
	if err != nil {
		logger.WarnCF("resilient", "pending scan failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, ix := range ixs {
		if ix == currentIx {
			continue
		}
		q.requeueOne(token, ix, replay)
	}
}

func (q *Queue) requeueOne(token, ix string, replay ReplayFunc) {
	defer q.kill(q.pendingLoc(token, ix))

	data, ok, err := q.store.Get(q.messageLoc(ix, "content"))
	if err != nil || !ok {
		return
	}

	var msg message.Envelope
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		logger.WarnCF("resilient", "decode pending message failed", map[string]interface{}{
			"index": ix, "error": err.Error(),
		})
		return
	}

	// Session lifecycle messages never replay: the reconnect that triggered
	// this scan has already re-established the session.
	if msg.Type == message.TypeRegister || msg.Type == message.TypeReregister {
		return
	}

	status, _, _ := q.store.Get(q.messageLoc(ix, "workerStatus"))
	msg.Resubmitted = string(status) == StatusStarted
	msg.DBIndex = ix

	logger.InfoCF("resilient", "replaying pending message", map[string]interface{}{
		"index": ix, "type": msg.Type, "resubmitted": msg.Resubmitted,
	})
	if replay != nil {
		replay(&msg)
	}
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// Sweep deletes completed messages older than the keep period. Records are
// walked in index order, which is chronological; the walk stops at the
// first record inside the retention window. Records that still carry a
// pending marker are kept regardless of age.
func (q *Queue) Sweep(now time.Time) int {
	cutoff := now.Add(-q.keep).UnixMilli()

	var expired []string
	err := q.store.Children(store.Loc(q.document, "message"), func(ix string, _ []byte) bool {
		millis, ok := indexMillis(ix)
		if !ok {
			return true
		}
		if millis >= cutoff {
			return false
		}
		expired = append(expired, ix)
		return true
	})
	if err != nil {
		logger.WarnCF("resilient", "gc scan failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	removed := 0
	for _, ix := range expired {
		token, _, _ := q.store.Get(q.messageLoc(ix, "token"))
		if len(token) > 0 {
			if _, pending, _ := q.store.Get(q.pendingLoc(string(token), ix)); pending {
				continue
			}
		}
		q.kill(q.messageLoc(ix))
		removed++
	}

	if removed > 0 {
		logger.InfoCF("resilient", "garbage collection complete", map[string]interface{}{"removed": removed})
	}
	return removed
}

func indexMillis(ix string) (int64, bool) {
	prefix, _, ok := strings.Cut(ix, "-")
	if !ok {
		return 0, false
	}
	millis, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return millis, true
}

// ---------------------------------------------------------------------------
// Fire-and-forget store helpers
// ---------------------------------------------------------------------------

func (q *Queue) set(loc store.Locator, data []byte) {
	if err := q.store.Set(loc, data); err != nil {
		logger.WarnCF("resilient", "queue write failed", map[string]interface{}{"error": err.Error()})
	}
}

func (q *Queue) kill(loc store.Locator) {
	if err := q.store.Kill(loc); err != nil {
		logger.WarnCF("resilient", "queue delete failed", map[string]interface{}{"error": err.Error()})
	}
}
