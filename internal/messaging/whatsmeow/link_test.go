package whatsmeow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/pairing"
)

func TestDisconnectFor(t *testing.T) {
	t.Run("maps stream replaced to the replaced code", func(t *testing.T) {
		de, ok := disconnectFor(&events.StreamReplaced{})
		require.True(t, ok)
		assert.Equal(t, pairing.CodeReplaced, de.Code)
		assert.True(t, pairing.IsRetryable(de))
	})

	t.Run("leaves the post-pairing restart to the client", func(t *testing.T) {
		_, ok := disconnectFor(&events.StreamError{Code: "515"})
		assert.False(t, ok)
	})

	t.Run("falls back to a server error for unparseable stream codes", func(t *testing.T) {
		de, ok := disconnectFor(&events.StreamError{Code: "conflict"})
		require.True(t, ok)
		assert.Equal(t, pairing.CodeServerError, de.Code)
	})

	t.Run("treats a logout as non-retryable", func(t *testing.T) {
		de, ok := disconnectFor(&events.LoggedOut{})
		require.True(t, ok)
		assert.False(t, pairing.IsRetryable(de))
	})

	t.Run("maps an unexpected disconnect to connection closed", func(t *testing.T) {
		de, ok := disconnectFor(&events.Disconnected{})
		require.True(t, ok)
		assert.Equal(t, pairing.CodeConnectionClosed, de.Code)
	})

	t.Run("ignores unrelated events", func(t *testing.T) {
		_, ok := disconnectFor(&events.Connected{})
		assert.False(t, ok)
	})
}

func TestSyncFromHistory(t *testing.T) {
	t.Run("counts chats messages and contacts", func(t *testing.T) {
		a, b := "a@s.whatsapp.net", "b@s.whatsapp.net"
		data := &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{ID: &a, Messages: []*waHistorySync.HistorySyncMsg{{}, {}}},
				{ID: &b, Messages: []*waHistorySync.HistorySyncMsg{{}}},
			},
			Pushnames: []*waHistorySync.Pushname{{ID: &a}},
		}

		out := syncFromHistory(data)
		require.Len(t, out, 3)
		assert.Equal(t, model.SyncKindChats, out[0].Kind)
		assert.Equal(t, 2, out[0].Count)
		assert.Equal(t, model.SyncKindMessages, out[1].Kind)
		assert.Equal(t, 3, out[1].Count)
		assert.Equal(t, model.SyncKindContacts, out[2].Kind)
		assert.JSONEq(t, `{"count":1}`, string(out[2].Payload))
	})

	t.Run("returns nothing for an empty sync", func(t *testing.T) {
		assert.Empty(t, syncFromHistory(&waHistorySync.HistorySync{}))
		assert.Empty(t, syncFromHistory(nil))
	})
}

func TestLink_ReadPersistedIdentity(t *testing.T) {
	t.Run("returns nil when no device store exists", func(t *testing.T) {
		identity, err := New().ReadPersistedIdentity(context.Background(), t.TempDir())
		require.NoError(t, err)
		assert.Nil(t, identity)
	})
}
