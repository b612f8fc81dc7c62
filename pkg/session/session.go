// Package session implements the single-writer-per-document coordinator:
// one Session owns a document's replicated text, its awareness registry,
// and its peer bindings, and serializes every mutation through a command
// channel consumed by one dedicated goroutine — so RT merges, AR diffs,
// and peer-set changes are linearizable per document while independent
// documents run fully in parallel.
package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kolabtext/colabtext/pkg/awareness"
	"github.com/kolabtext/colabtext/pkg/codeerr"
	"github.com/kolabtext/colabtext/pkg/crdt"
	"github.com/kolabtext/colabtext/pkg/logging"
	"github.com/kolabtext/colabtext/pkg/metrics"
	"github.com/kolabtext/colabtext/pkg/ot"
)

// PeerState is a peer binding's position in the connection lifecycle.
type PeerState int

const (
	Connected PeerState = iota
	Joined
	Active
	Idle
	Evicted
)

// PeerBinding is one connection's membership in a document session.
type PeerBinding struct {
	ConnID      string
	PeerID      string
	DisplayName string
	SiteID      uint64
	State       PeerState
	LastTraffic time.Time

	// Out delivers outbound events in submission order; the transport
	// adapter reads from it. The session never closes it; eviction and
	// leave are signalled through Evicted.
	Out chan ServerEvent

	// Evicted is closed by the session the moment this binding is
	// forced out (idle timeout or send-buffer overflow), so the
	// connection supervisor can close the underlying transport with
	// the right close code without polling session state.
	Evicted chan struct{}
}

// ServerEvent is a generic outbound event: a type string and its
// payload, kept transport-agnostic so pkg/transport never imports
// internal/protocol's message shapes directly.
type ServerEvent struct {
	Type string
	Data interface{}
}

// Persister stores a document snapshot. Implemented by pkg/persistence;
// declared here so session has no dependency on the storage package.
type Persister interface {
	Store(ctx context.Context, docID string, blob []byte) error
}

// JoinResult is returned by Join: enough state for the new connection to
// render the document and current presence immediately.
type JoinResult struct {
	SiteID   uint64
	Content  string
	Revision int
	Peers    []awareness.Entry
}

// DocMetrics mirrors the SC's exposed metrics() operation.
type DocMetrics struct {
	TotalOps     int
	PeakPeers    int
	ActiveConns  int
	LastActivity time.Time
	Size         int
}

// Config bundles the tunables SPEC_FULL §6 names.
type Config struct {
	StaleThreshold  time.Duration
	EvictThreshold  time.Duration
	MaxPeers        int
	ColorPalette    []string
	PersistInterval time.Duration
	SendBufferSize  int
}

// Session is one document's coordinator. All exported methods are safe
// for concurrent use: each enqueues a closure onto the command channel
// and blocks for it to run on the single serializing goroutine.
type Session struct {
	DocID string

	cfg       Config
	rt        *crdt.ReplicatedText
	aw        *awareness.Registry
	peers     map[string]*PeerBinding
	siteSeq   uint64
	totalOps  int
	peakPeers int

	createdAt      time.Time
	lastActivityAt time.Time
	lastPersistRev int

	persist Persister
	metrics *metrics.Metrics
	log     *zap.Logger

	cmds   chan func()
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a session and starts its command-processing goroutine.
// Callers must call Close when the document has no more connections and
// should be torn down.
func New(ctx context.Context, docID string, siteBase uint64, cfg Config, persist Persister, m *metrics.Metrics) *Session {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		DocID:          docID,
		cfg:            cfg,
		rt:             crdt.New(siteBase),
		aw:             awareness.New(cfg.ColorPalette),
		peers:          make(map[string]*PeerBinding),
		createdAt:      time.Now(),
		lastActivityAt: time.Now(),
		persist:        persist,
		metrics:        m,
		log:            logging.L().WithDoc(docID),
		cmds:           make(chan func(), 64),
		done:           make(chan struct{}),
		cancel:         cancel,
	}
	if m != nil {
		m.DocumentsActive.Inc()
	}
	go s.run(runCtx)
	return s
}

// Restore seeds the session's replicated text from a persisted snapshot
// before any connection joins. Must be called before New's goroutine
// sees any traffic, i.e. immediately after New returns.
func (s *Session) Restore(blob []byte) error {
	return s.rt.Restore(blob)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	persistTicker := time.NewTicker(jittered(s.cfg.PersistInterval))
	defer persistTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.StaleThreshold)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			cmd()
		case <-persistTicker.C:
			s.persistIfChangedLocked(ctx)
			persistTicker.Reset(jittered(s.cfg.PersistInterval))
		case <-sweepTicker.C:
			s.sweepLocked()
		}
	}
}

func jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// exec runs fn on the session's single serializing goroutine and blocks
// until it completes.
func (s *Session) exec(fn func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.done:
	}
}

// Close stops the command loop. Idempotent.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	if s.metrics != nil {
		s.metrics.DocumentsActive.Dec()
	}
}

// Join registers a new connection. If the peer already has another
// connection, its awareness entry is reused and marked online again.
func (s *Session) Join(connID, peerID, displayName string) (JoinResult, error) {
	var result JoinResult
	var joinErr error

	s.exec(func() {
		if len(s.peers) >= s.cfg.MaxPeers && s.cfg.MaxPeers > 0 {
			joinErr = codeerr.New(codeerr.Capacity, "document has reached its peer limit")
			return
		}
		if _, exists := s.peers[connID]; exists {
			joinErr = codeerr.New(codeerr.AlreadyJoined, "connection already joined")
			return
		}

		now := time.Now()
		s.siteSeq++
		site := s.siteSeq

		_, diff := s.aw.Join(peerID, displayName, now)
		binding := &PeerBinding{
			ConnID:      connID,
			PeerID:      peerID,
			DisplayName: displayName,
			SiteID:      site,
			State:       Joined,
			LastTraffic: now,
			Out:         make(chan ServerEvent, s.cfg.SendBufferSize),
			Evicted:     make(chan struct{}),
		}
		s.peers[connID] = binding
		if len(s.peers) > s.peakPeers {
			s.peakPeers = len(s.peers)
		}
		s.lastActivityAt = now

		if diff.Added != nil {
			s.broadcastExcept(connID, ServerEvent{Type: "user_joined", Data: *diff.Added})
		}

		result = JoinResult{
			SiteID:   site,
			Content:  s.rt.Content(),
			Revision: len(s.rt.Operations()),
			Peers:    s.aw.Snapshot(),
		}
	})
	return result, joinErr
}

// Leave removes a connection binding. If the peer has no remaining
// connections, its awareness entry goes offline and USER_LEFT broadcasts.
func (s *Session) Leave(connID string) {
	s.exec(func() {
		binding, ok := s.peers[connID]
		if !ok {
			return
		}
		delete(s.peers, connID)

		stillPresent := false
		for _, b := range s.peers {
			if b.PeerID == binding.PeerID {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			if _, ok := s.aw.Leave(binding.PeerID, time.Now()); ok {
				s.broadcastExcept(connID, ServerEvent{Type: "user_left", Data: awareness.Entry{PeerID: binding.PeerID}})
			}
		}
		closeBindingOut(binding)
	})
}

// OpRequest is a client-submitted edit, addressed by position rather
// than by resolved CRDT identity — the shape the wire protocol carries.
// The session resolves it against the single authoritative replica it
// owns, attributing the result to the submitting peer's assigned site.
type OpRequest struct {
	Kind     crdt.Kind
	Position uint32
	Content  string // Insert only
	Length   uint32 // Delete only
	OpID     uuid.UUID
}

// SubmittedOp pairs a causally-resolved operation with the peer who
// submitted it, so the transport layer can stamp the wire operation's
// userId without the CRDT itself tracking peer identity.
type SubmittedOp struct {
	Op     crdt.Operation
	PeerID string
}

// SubmitOp resolves a client operation against the document's replica
// under the submitting peer's own site identity, then fans the
// resulting causally-resolved operation out to every other connected
// peer. The submitter is never echoed its own op.
func (s *Session) SubmitOp(connID string, req OpRequest) error {
	var opErr error
	s.exec(func() {
		binding, ok := s.peers[connID]
		if !ok {
			opErr = codeerr.New(codeerr.NotJoined, "submit_op before join_document")
			return
		}
		binding.LastTraffic = time.Now()
		binding.State = Active

		switch req.Kind {
		case crdt.Insert:
			if req.Content == "" {
				opErr = codeerr.New(codeerr.InvalidOperation, "insert requires non-empty content")
				return
			}
		case crdt.Delete:
			if req.Length == 0 {
				opErr = codeerr.New(codeerr.InvalidOperation, "delete requires non-zero length")
				return
			}
		case crdt.Retain:
		default:
			opErr = codeerr.New(codeerr.InvalidOperation, "unknown operation kind")
			return
		}

		opID := req.OpID
		if opID == uuid.Nil {
			opID = uuid.New()
		}

		var op crdt.Operation
		switch req.Kind {
		case crdt.Insert:
			op = s.rt.InsertLocalAs(binding.SiteID, opID, req.Position, req.Content)
		case crdt.Delete:
			op = s.rt.DeleteLocalAs(binding.SiteID, opID, req.Position, req.Length)
		case crdt.Retain:
			op = s.rt.RetainLocalAs(binding.SiteID, opID, req.Position)
		}

		s.totalOps++
		s.lastActivityAt = time.Now()
		if s.metrics != nil {
			s.metrics.OperationsTotal.Inc()
		}
		s.rebasePeerCursors(connID, binding.PeerID, op)
		s.broadcastExcept(connID, ServerEvent{Type: "operation_received", Data: SubmittedOp{Op: op, PeerID: binding.PeerID}})
	})
	return opErr
}

// UpdateCursor clamps and records a peer's cursor, broadcasting the change.
func (s *Session) UpdateCursor(connID string, pos uint32) error {
	var err error
	s.exec(func() {
		binding, ok := s.peers[connID]
		if !ok {
			err = codeerr.New(codeerr.NotJoined, "cursor_update before join_document")
			return
		}
		binding.LastTraffic = time.Now()
		diff, ok := s.aw.UpdateCursor(binding.PeerID, pos, s.rt.Len(), time.Now())
		if !ok {
			return
		}
		if s.metrics != nil {
			s.metrics.AwarenessUpdatesTotal.Inc()
		}
		s.broadcastExcept(connID, ServerEvent{Type: "cursor_changed", Data: *diff.Updated})
	})
	return err
}

// UpdateSelection normalizes, clamps, and records a peer's selection.
func (s *Session) UpdateSelection(connID string, start, end uint32) error {
	var err error
	s.exec(func() {
		binding, ok := s.peers[connID]
		if !ok {
			err = codeerr.New(codeerr.NotJoined, "selection_update before join_document")
			return
		}
		binding.LastTraffic = time.Now()
		diff, ok := s.aw.UpdateSelection(binding.PeerID, start, end, s.rt.Len(), time.Now())
		if !ok {
			return
		}
		if s.metrics != nil {
			s.metrics.AwarenessUpdatesTotal.Inc()
		}
		s.broadcastExcept(connID, ServerEvent{Type: "selection_changed", Data: *diff.Updated})
	})
	return err
}

// Touch marks a connection as having sent traffic (e.g. a ping), without
// mutating document state — used by the connection supervisor's health
// check to keep a quiet-but-alive peer out of the idle sweep.
func (s *Session) Touch(connID string) {
	s.exec(func() {
		if b, ok := s.peers[connID]; ok {
			b.LastTraffic = time.Now()
			if b.State == Idle {
				b.State = Active
			}
		}
	})
}

// DocumentState reports the content, revision, and presence list for a
// get_document_state request from an already-joined connection — the
// same shape Join hands back on first entry, minus the requester's own
// SiteId (already known to it from its join response).
func (s *Session) DocumentState() (content string, revision int, peers []awareness.Entry) {
	s.exec(func() {
		content = s.rt.Content()
		revision = len(s.rt.Operations())
		peers = s.aw.Snapshot()
	})
	return
}

// Metrics returns a snapshot of the document's counters.
func (s *Session) Metrics() DocMetrics {
	var m DocMetrics
	s.exec(func() {
		m = DocMetrics{
			TotalOps:     s.totalOps,
			PeakPeers:    s.peakPeers,
			ActiveConns:  len(s.peers),
			LastActivity: s.lastActivityAt,
			Size:         s.rt.Len(),
		}
	})
	return m
}

// PeerCount reports the number of live connections, for the owner (the
// document registry) to decide whether the session can be torn down.
func (s *Session) PeerCount() int {
	n := 0
	s.exec(func() { n = len(s.peers) })
	return n
}

// PeerBinding returns the binding for a connection, or nil if it has no
// active join. The returned pointer's Out/Evicted channels are safe to
// read from any goroutine; only the session's own command loop writes
// to the binding's other fields.
func (s *Session) PeerBinding(connID string) *PeerBinding {
	var b *PeerBinding
	s.exec(func() { b = s.peers[connID] })
	return b
}

// rebasePeerCursors walks every peer but the submitter and advances any
// cached cursor/selection still pointing past the edit site, using the
// OT module's pure index transform — the CRDT already converged the
// document itself; this only keeps presence consistent with it.
func (s *Session) rebasePeerCursors(excludeConnID, excludePeerID string, op crdt.Operation) {
	if op.Kind == crdt.Retain {
		return
	}
	now := time.Now()
	textLen := s.rt.Len()
	for _, entry := range s.aw.Snapshot() {
		if entry.PeerID == excludePeerID {
			continue
		}
		if entry.Cursor != nil {
			if newPos := ot.TransformIndex(op, entry.Cursor.Pos); newPos != entry.Cursor.Pos {
				if diff, ok := s.aw.UpdateCursor(entry.PeerID, newPos, textLen, now); ok && diff.Updated != nil {
					s.broadcastExcept(excludeConnID, ServerEvent{Type: "cursor_changed", Data: *diff.Updated})
				}
			}
		}
		if entry.Selection != nil {
			newStart := ot.TransformIndex(op, entry.Selection.Start)
			newEnd := ot.TransformIndex(op, entry.Selection.End)
			if newStart != entry.Selection.Start || newEnd != entry.Selection.End {
				if diff, ok := s.aw.UpdateSelection(entry.PeerID, newStart, newEnd, textLen, now); ok && diff.Updated != nil {
					s.broadcastExcept(excludeConnID, ServerEvent{Type: "selection_changed", Data: *diff.Updated})
				}
			}
		}
	}
}

// broadcastExcept fans out an event to every bound connection except
// excludeConnID. A full send buffer marks the peer for eviction rather
// than blocking the single-writer loop.
func (s *Session) broadcastExcept(excludeConnID string, ev ServerEvent) {
	for connID, binding := range s.peers {
		if connID == excludeConnID {
			continue
		}
		select {
		case binding.Out <- ev:
		default:
			closeEvictedOnce(binding)
		}
	}
}

func closeEvictedOnce(b *PeerBinding) {
	select {
	case <-b.Evicted:
	default:
		close(b.Evicted)
	}
}

func closeBindingOut(b *PeerBinding) {
	closeEvictedOnce(b)
}

// sweepLocked runs inside the command loop: it transitions idle peers
// and evicts connections that have been silent past evictThreshold.
func (s *Session) sweepLocked() {
	now := time.Now()
	for _, b := range s.peers {
		idle := now.Sub(b.LastTraffic)
		switch {
		case (b.State == Joined || b.State == Active) && idle >= s.cfg.StaleThreshold:
			b.State = Idle
		case b.State == Idle && idle >= s.cfg.EvictThreshold:
			b.State = Evicted
			closeEvictedOnce(b)
		}
	}
	for _, diff := range s.aw.SweepStale(now, s.cfg.StaleThreshold, s.cfg.EvictThreshold) {
		if diff.Updated != nil {
			s.broadcastExcept("", ServerEvent{Type: "cursor_changed", Data: *diff.Updated})
		}
	}
}

func (s *Session) persistIfChangedLocked(ctx context.Context) {
	if s.persist == nil {
		return
	}
	revision := len(s.rt.Operations())
	if revision <= s.lastPersistRev {
		return
	}
	blob, err := s.rt.Snapshot()
	if err != nil {
		s.log.Error("snapshot failed", zap.Error(err))
		return
	}
	if err := s.persist.Store(ctx, s.DocID, blob); err != nil {
		s.log.Error("persist failed", zap.Error(err))
		if s.metrics != nil {
			s.metrics.SnapshotWriteErrors.Inc()
		}
		return
	}
	s.lastPersistRev = revision
	if s.metrics != nil {
		s.metrics.SnapshotsWritten.Inc()
		s.metrics.DocumentSizeBytes.Observe(float64(len(blob)))
	}
}
