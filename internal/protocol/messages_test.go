package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientMsgUnmarshalJoinDocument(t *testing.T) {
	raw := `{"type":"join_document","data":{"userId":"u1","documentId":"d1","userName":"Ada"}}`
	var msg ClientMsg
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.NotNil(t, msg.JoinDocument)
	require.Equal(t, "u1", msg.JoinDocument.UserID)
	require.Nil(t, msg.Operation)
}

func TestClientMsgUnmarshalPingHasNoData(t *testing.T) {
	raw := `{"type":"ping"}`
	var msg ClientMsg
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.True(t, msg.Ping)
}

func TestClientMsgUnmarshalUnknownTypeErrors(t *testing.T) {
	raw := `{"type":"not_a_real_type"}`
	var msg ClientMsg
	err := json.Unmarshal([]byte(raw), &msg)
	require.Error(t, err)
}

func TestClientMsgUnmarshalOperation(t *testing.T) {
	raw := `{"type":"operation","data":{"operation":{"type":"insert","position":3,"userId":"u1","content":"hi","operationId":"op-1","timestamp":"2026-01-01T00:00:00Z"}}}`
	var msg ClientMsg
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.NotNil(t, msg.Operation)
	require.Equal(t, "insert", msg.Operation.Operation.Kind)
	require.Equal(t, uint32(3), msg.Operation.Operation.Position)
}

func TestServerMsgMarshalEnvelopeShape(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := NewUserJoined(UserJoinedPayload{PeerID: "p1", DisplayName: "Ada", Color: "#ff0000"}, now)

	blob, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &decoded))
	require.Equal(t, "user_joined", decoded["type"])
	require.Contains(t, decoded, "data")
	require.Contains(t, decoded, "timestamp")
}

func TestErrorMsgNeverCarriesUserID(t *testing.T) {
	msg := NewError("boom", time.Now())
	require.Equal(t, TypeError, msg.Type)
	require.Empty(t, msg.UserID)
}
