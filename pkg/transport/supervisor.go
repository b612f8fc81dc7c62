package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kolabtext/colabtext/internal/protocol"
	"github.com/kolabtext/colabtext/pkg/awareness"
	"github.com/kolabtext/colabtext/pkg/codeerr"
	"github.com/kolabtext/colabtext/pkg/crdt"
	"github.com/kolabtext/colabtext/pkg/logging"
	"github.com/kolabtext/colabtext/pkg/session"
)

// SessionFactory builds (or loads) the session for a document id the
// first time anyone joins it. The supervisor owns the resulting
// session's lifetime via the registry's refcount.
type SessionFactory func(ctx context.Context, docID string) (*session.Session, error)

// Registry hands out refcounted sessions, inserting on first join and
// tearing down on last-leave, guarded by a short-held lock — sessions
// themselves are then used without that lock, per the single-writer
// model's shared-resource policy.
type Registry struct {
	mu           chan struct{} // binary semaphore; see withLock
	sessions     map[string]*registryEntry
	factory      SessionFactory
	maxSessions  int
	cleanupDelay time.Duration
}

type registryEntry struct {
	sess *session.Session
	refs int
}

// NewRegistry creates an empty session registry. maxSessions caps the
// number of distinct documents concurrently open (zero means
// unbounded); cleanupDelay retains an emptied session for that long
// before tearing it down, so a peer that briefly drops and rejoins
// doesn't pay the cost of a fresh session.
func NewRegistry(factory SessionFactory, maxSessions int, cleanupDelay time.Duration) *Registry {
	r := &Registry{
		mu:           make(chan struct{}, 1),
		sessions:     make(map[string]*registryEntry),
		factory:      factory,
		maxSessions:  maxSessions,
		cleanupDelay: cleanupDelay,
	}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) withLock(fn func()) {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	fn()
}

// Acquire returns the session for docID, creating it via the factory on
// first access, and bumps its refcount. Creating a session beyond
// maxSessions fails with codeerr.Capacity.
func (r *Registry) Acquire(ctx context.Context, docID string) (*session.Session, error) {
	var sess *session.Session
	var err error
	r.withLock(func() {
		if e, ok := r.sessions[docID]; ok {
			e.refs++
			sess = e.sess
			return
		}
		if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
			err = codeerr.New(codeerr.Capacity, "maximum concurrent document sessions reached")
			return
		}
		sess, err = r.factory(ctx, docID)
		if err != nil {
			return
		}
		r.sessions[docID] = &registryEntry{sess: sess, refs: 1}
	})
	return sess, err
}

// Release drops a reference; when it reaches zero, the session is torn
// down after cleanupDelay unless another Acquire re-references it first.
func (r *Registry) Release(docID string) {
	r.withLock(func() {
		e, ok := r.sessions[docID]
		if !ok {
			return
		}
		e.refs--
		if e.refs > 0 {
			return
		}
		if r.cleanupDelay <= 0 {
			delete(r.sessions, docID)
			e.sess.Close()
			return
		}
		time.AfterFunc(r.cleanupDelay, func() { r.reapIfStillEmpty(docID, e) })
	})
}

func (r *Registry) reapIfStillEmpty(docID string, e *registryEntry) {
	r.withLock(func() {
		if cur, ok := r.sessions[docID]; ok && cur == e && cur.refs <= 0 {
			delete(r.sessions, docID)
			cur.sess.Close()
		}
	})
}

// Count returns the number of live document sessions, for metrics.
func (r *Registry) Count() int {
	n := 0
	r.withLock(func() { n = len(r.sessions) })
	return n
}

// Supervisor runs the per-connection dispatch loop described in
// SPEC_FULL §4.5: decode, route to the owning session, periodic health
// check, eviction on silence.
type Supervisor struct {
	Registry       *Registry
	HealthInterval time.Duration
	EvictThreshold time.Duration
	Log            *zap.Logger
}

// NewSupervisor constructs a Supervisor with the teacher's 30s health
// check cadence as the default when healthInterval is zero.
func NewSupervisor(reg *Registry, healthInterval, evictThreshold time.Duration) *Supervisor {
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	return &Supervisor{
		Registry:       reg,
		HealthInterval: healthInterval,
		EvictThreshold: evictThreshold,
		Log:            logging.L().Logger,
	}
}

// Serve runs one connection's full lifecycle against t until it closes
// or ctx is canceled. docID is taken from the accept route (e.g.
// /api/socket/{docId}) and passed in by the HTTP layer.
func (s *Supervisor) Serve(ctx context.Context, docID string, t Transport) error {
	connID := uuid.NewString()
	log := s.Log.With(zap.String("doc_id", docID), zap.String("conn_id", connID))

	joined := false
	var sess *session.Session
	var peerID string

	defer func() {
		if joined {
			sess.Leave(connID)
			s.Registry.Release(docID)
		}
	}()

	healthTicker := time.NewTicker(s.HealthInterval)
	defer healthTicker.Stop()

	// preJoinTimeout closes a connection that never sends join_document,
	// so an idle handshake doesn't hold a slot open indefinitely.
	preJoinTimeout := s.EvictThreshold
	if preJoinTimeout <= 0 {
		preJoinTimeout = 60 * time.Second
	}
	preJoinTimer := time.NewTimer(preJoinTimeout)
	defer preJoinTimer.Stop()

	var outCh <-chan session.ServerEvent
	var evictedCh <-chan struct{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-preJoinTimer.C:
			if joined {
				continue
			}
			_ = t.Close(1001, "Connection timeout")
			return codeerr.New(codeerr.NotJoined, "connection never joined a document")

		case <-evictedCh:
			_ = t.Close(1001, "Connection timeout")
			return codeerr.New(codeerr.ConnectionTimeout, "connection evicted for inactivity")

		case ev, ok := <-outCh:
			if !ok {
				return nil
			}
			if err := s.sendEvent(ctx, t, ev); err != nil {
				return err
			}

		case <-healthTicker.C:
			if joined {
				_ = s.sendEvent(ctx, t, session.ServerEvent{Type: protocol.TypePong})
			}

		case raw, ok := <-t.Incoming():
			if !ok {
				return nil
			}
			var msg protocol.ClientMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.sendError(ctx, t, err.Error())
				continue
			}

			if !joined {
				if msg.Ping {
					s.sendEvent(ctx, t, session.ServerEvent{Type: protocol.TypePong})
					continue
				}
				if msg.JoinDocument == nil {
					s.sendError(ctx, t, "must join_document before any other message")
					continue
				}
				if msg.JoinDocument.UserID == "" || msg.JoinDocument.DocumentID == "" || msg.JoinDocument.UserName == "" {
					s.sendError(ctx, t, codeerr.New(codeerr.MissingField, "join_document requires userId, documentId, and userName").Error())
					continue
				}

				var err error
				sess, err = s.Registry.Acquire(ctx, docID)
				if err != nil {
					s.sendError(ctx, t, err.Error())
					continue
				}
				peerID = msg.JoinDocument.UserID
				result, joinErr := sess.Join(connID, peerID, msg.JoinDocument.UserName)
				if joinErr != nil {
					s.Registry.Release(docID)
					s.sendError(ctx, t, joinErr.Error())
					continue
				}
				joined = true
				binding := sess.PeerBinding(connID)
				outCh = binding.Out
				evictedCh = binding.Evicted

				s.sendEvent(ctx, t, session.ServerEvent{
					Type: protocol.TypeDocumentState,
					Data: protocol.DocumentStatePayload{
						Content:  result.Content,
						Revision: result.Revision,
						SiteID:   result.SiteID,
						Presence: toPresenceEntries(result.Peers),
					},
				})
				log.Info("peer joined", zap.String("peer_id", peerID))
				continue
			}

			if err := s.dispatch(sess, connID, &msg, t, ctx); err != nil {
				s.sendError(ctx, t, err.Error())
			}
		}
	}
}

func (s *Supervisor) dispatch(sess *session.Session, connID string, msg *protocol.ClientMsg, t Transport, ctx context.Context) error {
	switch {
	case msg.Operation != nil:
		return sess.SubmitOp(connID, fromWireOperation(msg.Operation.Operation))
	case msg.CursorUpdate != nil:
		return sess.UpdateCursor(connID, msg.CursorUpdate.Cursor.Position)
	case msg.SelectionUpdate != nil:
		return sess.UpdateSelection(connID, msg.SelectionUpdate.Selection.Start, msg.SelectionUpdate.Selection.End)
	case msg.Ping:
		sess.Touch(connID)
		s.sendEvent(ctx, t, session.ServerEvent{Type: protocol.TypePong})
		return nil
	case msg.GetMetrics:
		m := sess.Metrics()
		s.sendEvent(ctx, t, session.ServerEvent{Type: protocol.TypeMetrics, Data: protocol.MetricsPayload{
			TotalOps:     m.TotalOps,
			PeakPeers:    m.PeakPeers,
			ActiveConns:  m.ActiveConns,
			LastActivity: m.LastActivity,
			Size:         m.Size,
		}})
		return nil
	case msg.GetDocumentState:
		content, revision, peers := sess.DocumentState()
		s.sendEvent(ctx, t, session.ServerEvent{
			Type: protocol.TypeDocumentState,
			Data: protocol.DocumentStatePayload{
				Content:  content,
				Revision: revision,
				Presence: toPresenceEntries(peers),
			},
		})
		return nil
	case msg.JoinDocument != nil:
		return codeerr.New(codeerr.AlreadyJoined, "already joined this connection")
	default:
		return codeerr.New(codeerr.UnknownMessageType, "frame carried no recognized message")
	}
}

func (s *Supervisor) sendEvent(ctx context.Context, t Transport, ev session.ServerEvent) error {
	msg := toWireMsg(ev)
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.Send(ctx, blob)
}

// toWireMsg builds the outbound envelope via internal/protocol's New*
// constructors, translating the domain-shaped values session.Session
// broadcasts (awareness.Entry, session.SubmittedOp) into the wire
// payload type each constructor expects along the way — keeping
// pkg/session free of any dependency on the wire format.
func toWireMsg(ev session.ServerEvent) protocol.ServerMsg {
	now := timeNow()
	switch ev.Type {
	case protocol.TypeDocumentState:
		if p, ok := ev.Data.(protocol.DocumentStatePayload); ok {
			return protocol.NewDocumentState(p, now)
		}
	case protocol.TypePresenceInfo:
		if p, ok := ev.Data.(protocol.PresenceInfoPayload); ok {
			return protocol.NewPresenceInfo(p, now)
		}
	case protocol.TypeUserJoined:
		if e, ok := ev.Data.(awareness.Entry); ok {
			return protocol.NewUserJoined(protocol.UserJoinedPayload{PeerID: e.PeerID, DisplayName: e.DisplayName, Color: e.Color}, now)
		}
	case protocol.TypeUserLeft:
		if e, ok := ev.Data.(awareness.Entry); ok {
			return protocol.NewUserLeft(protocol.UserLeftPayload{PeerID: e.PeerID}, now)
		}
	case protocol.TypeCursorChanged:
		if e, ok := ev.Data.(awareness.Entry); ok && e.Cursor != nil {
			return protocol.NewCursorChanged(protocol.CursorChangedPayload{PeerID: e.PeerID, Cursor: protocol.Cursor{Position: e.Cursor.Pos}}, now)
		}
	case protocol.TypeSelectionChanged:
		if e, ok := ev.Data.(awareness.Entry); ok && e.Selection != nil {
			return protocol.NewSelectionChanged(protocol.SelectionChangedPayload{
				PeerID:    e.PeerID,
				Selection: protocol.Selection{Start: e.Selection.Start, End: e.Selection.End},
			}, now)
		}
	case protocol.TypeOperationReceived:
		if sub, ok := ev.Data.(session.SubmittedOp); ok {
			return protocol.NewOperationReceived(protocol.OperationReceivedPayload{Operation: toWireOperation(sub.Op, sub.PeerID)}, now)
		}
	case protocol.TypeMetrics:
		if p, ok := ev.Data.(protocol.MetricsPayload); ok {
			return protocol.NewMetrics(p, now)
		}
	case protocol.TypePong:
		return protocol.NewPong(now)
	}
	return protocol.ServerMsg{Type: ev.Type, Data: ev.Data, Timestamp: now}
}

// toWireOperation is the inverse of fromWireOperation: it strips a
// causally-resolved crdt.Operation back down to the position-addressed
// shape a client can render, discarding Parent/Targets/Site entirely.
func toWireOperation(op crdt.Operation, peerID string) protocol.Operation {
	return protocol.Operation{
		Kind:        op.Kind.String(),
		Position:    op.Position,
		UserID:      peerID,
		Content:     op.Content,
		Length:      op.Length,
		OperationID: op.OpID.String(),
		Timestamp:   timeNow().Format(time.RFC3339Nano),
	}
}

func (s *Supervisor) sendError(ctx context.Context, t Transport, message string) {
	msg := protocol.NewError(message, timeNow())
	blob, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = t.Send(ctx, blob)
}

// fromWireOperation turns a position-addressed wire operation into the
// request the session resolves against its replica. It deliberately
// does not attempt to build a crdt.Operation directly: a client only
// knows its intended position, not the resolved parent/target
// identities or a session-wide site id, so resolution happens inside
// Session.SubmitOp under the submitting peer's own SiteId.
func fromWireOperation(op protocol.Operation) session.OpRequest {
	kind := crdt.Retain
	switch op.Kind {
	case "insert":
		kind = crdt.Insert
	case "delete":
		kind = crdt.Delete
	}
	id, _ := uuid.Parse(op.OperationID)
	return session.OpRequest{
		Kind:     kind,
		Position: op.Position,
		Content:  op.Content,
		Length:   op.Length,
		OpID:     id,
	}
}

func toPresenceEntries(entries []awareness.Entry) []protocol.PresenceEntry {
	out := make([]protocol.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		pe := protocol.PresenceEntry{
			PeerID:      e.PeerID,
			DisplayName: e.DisplayName,
			Color:       e.Color,
			Online:      e.Online,
		}
		if e.Cursor != nil {
			pe.Cursor = &protocol.Cursor{Position: e.Cursor.Pos}
		}
		if e.Selection != nil {
			pe.Selection = &protocol.Selection{Start: e.Selection.Start, End: e.Selection.End}
		}
		out = append(out, pe)
	}
	return out
}

func timeNow() time.Time { return time.Now() }
