package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kolabtext/colabtext/internal/protocol"
	"github.com/kolabtext/colabtext/pkg/session"
	"github.com/kolabtext/colabtext/pkg/transport/ws"
)

// testServer wires a bare Registry+Supervisor behind an httptest.Server,
// the same shape cmd/server builds around /api/socket/{docId} but with
// no persistence and test-friendly timings.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := session.Config{
		StaleThreshold:  time.Minute,
		EvictThreshold:  time.Minute,
		MaxPeers:        256,
		ColorPalette:    []string{"#e57373", "#64b5f6"},
		PersistInterval: time.Hour,
		SendBufferSize:  16,
	}
	factory := func(ctx context.Context, docID string) (*session.Session, error) {
		return session.New(ctx, docID, 0, cfg, nil, nil), nil
	}
	registry := NewRegistry(factory, 0, 0)
	supervisor := NewSupervisor(registry, time.Hour, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/socket/", func(w http.ResponseWriter, r *http.Request) {
		docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
		if err != nil {
			return
		}
		adapter := ws.New(r.Context(), conn, 0)
		_ = supervisor.Serve(r.Context(), docID, adapter)
		conn.Close(websocket.StatusNormalClosure, "")
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, docID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/" + docID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.ServerMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg protocol.ServerMsg
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func joinFrame(userID, docID, userName string) map[string]interface{} {
	return map[string]interface{}{
		"type": "join_document",
		"data": map[string]interface{}{
			"userId":     userID,
			"documentId": docID,
			"userName":   userName,
		},
	}
}

// marshalRoundTrip re-encodes the generic map ServerMsg.Data decodes
// into, so a test can re-decode it into the specific payload struct the
// wire declares for that event type.
func marshalRoundTrip(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalInto(raw []byte, target interface{}) error {
	return json.Unmarshal(raw, target)
}

func TestJoinDocumentReturnsDocumentState(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts, "doc-1")

	sendRaw(t, conn, joinFrame("peer-1", "doc-1", "Ada"))

	msg := readMsg(t, conn)
	require.Equal(t, protocol.TypeDocumentState, msg.Type)
}

func TestSecondJoinerSeesUserJoinedBroadcast(t *testing.T) {
	ts := testServer(t)
	conn1 := dial(t, ts, "doc-2")
	sendRaw(t, conn1, joinFrame("peer-1", "doc-2", "Ada"))
	readMsg(t, conn1) // document_state

	conn2 := dial(t, ts, "doc-2")
	sendRaw(t, conn2, joinFrame("peer-2", "doc-2", "Bob"))
	readMsg(t, conn2) // document_state for conn2

	msg := readMsg(t, conn1)
	require.Equal(t, protocol.TypeUserJoined, msg.Type)

	raw, err := marshalRoundTrip(msg.Data)
	require.NoError(t, err)
	var payload protocol.UserJoinedPayload
	require.NoError(t, unmarshalInto(raw, &payload))
	require.Equal(t, "peer-2", payload.PeerID)
	require.Equal(t, "Bob", payload.DisplayName)
}

func TestOperationBroadcastCarriesWireShapeNotCRDTInternals(t *testing.T) {
	ts := testServer(t)
	conn1 := dial(t, ts, "doc-3")
	sendRaw(t, conn1, joinFrame("peer-1", "doc-3", "Ada"))
	readMsg(t, conn1) // document_state

	conn2 := dial(t, ts, "doc-3")
	sendRaw(t, conn2, joinFrame("peer-2", "doc-3", "Bob"))
	readMsg(t, conn2) // document_state

	sendRaw(t, conn1, map[string]interface{}{
		"type": "operation",
		"data": map[string]interface{}{
			"operation": map[string]interface{}{
				"type":        "insert",
				"position":    0,
				"userId":      "peer-1",
				"content":     "hi",
				"operationId": "11111111-1111-1111-1111-111111111111",
			},
		},
	})

	msg := readMsg(t, conn2)
	require.Equal(t, protocol.TypeOperationReceived, msg.Type)

	raw, err := marshalRoundTrip(msg.Data)
	require.NoError(t, err)
	var payload protocol.OperationReceivedPayload
	require.NoError(t, unmarshalInto(raw, &payload))
	require.Equal(t, "insert", payload.Operation.Kind)
	require.Equal(t, "hi", payload.Operation.Content)
	require.Equal(t, "peer-1", payload.Operation.UserID)
}

func TestPingReceivesPong(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts, "doc-4")
	sendRaw(t, conn, joinFrame("peer-1", "doc-4", "Ada"))
	readMsg(t, conn) // document_state

	sendRaw(t, conn, map[string]interface{}{"type": "ping"})
	msg := readMsg(t, conn)
	require.Equal(t, protocol.TypePong, msg.Type)
}

func TestGetDocumentStateAfterEditReflectsContent(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts, "doc-5")
	sendRaw(t, conn, joinFrame("peer-1", "doc-5", "Ada"))
	readMsg(t, conn) // document_state

	sendRaw(t, conn, map[string]interface{}{
		"type": "operation",
		"data": map[string]interface{}{
			"operation": map[string]interface{}{
				"type":     "insert",
				"position": 0,
				"userId":   "peer-1",
				"content":  "hi",
			},
		},
	})

	sendRaw(t, conn, map[string]interface{}{"type": "get_document_state"})
	msg := readMsg(t, conn)
	require.Equal(t, protocol.TypeDocumentState, msg.Type)

	raw, err := marshalRoundTrip(msg.Data)
	require.NoError(t, err)
	var payload protocol.DocumentStatePayload
	require.NoError(t, unmarshalInto(raw, &payload))
	require.Equal(t, "hi", payload.Content)
}
