package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScylla(t *testing.T) *db.Session {
	t.Helper()
	hosts := []string{"localhost:9042"}
	if env := os.Getenv("SCYLLA_HOSTS"); env != "" {
		hosts = strings.Split(env, ",")
	}
	cfg := db.Config{Hosts: hosts, Consistency: gocql.One, Timeout: 2 * time.Second}
	admin, err := db.NewSession(cfg)
	if err != nil {
		t.Skipf("Scylla not available at %v: %v", hosts, err)
	}
	defer admin.Close()

	keyspace := fmt.Sprintf("chat_test_%d", time.Now().UnixNano())
	require.NoError(t, db.EnsureKeyspace(admin, keyspace, 1))
	t.Cleanup(func() {
		if s, err := db.NewSession(cfg); err == nil {
			_ = s.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec()
			s.Close()
		}
	})

	cfg.Keyspace = keyspace
	s, err := db.NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, db.Migrate(s))
	return s
}

func TestScyllaMessages_PagingTotalFromCounter(t *testing.T) {
	s := testScylla(t)
	msgs := NewScylla(s).Messages
	ctx := context.Background()
	conv := snowflake.ID(42)

	_, total, err := msgs.FindByConversationPaged(ctx, conv, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	for i := 1; i <= 5; i++ {
		require.NoError(t, msgs.Create(ctx, &model.Message{
			ID:             snowflake.ID(i),
			ConversationID: conv,
			SenderID:       "alice",
			Content:        fmt.Sprint(i),
			Type:           model.TypeText,
			CreatedAt:      time.Now().UTC(),
		}))
	}

	page, total, err := msgs.FindByConversationPaged(ctx, conv, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, snowflake.ID(5), page[0].ID, "newest first")

	page, total, err = msgs.FindByConversationPaged(ctx, conv, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, snowflake.ID(1), page[0].ID)

	require.NoError(t, msgs.DeleteAllForConversation(ctx, conv))
	page, total, err = msgs.FindByConversationPaged(ctx, conv, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}

func TestScyllaMessages_TotalNeverBelowRowsSeen(t *testing.T) {
	s := testScylla(t)
	msgs := NewScylla(s).Messages
	ctx := context.Background()
	conv := snowflake.ID(7)

	require.NoError(t, msgs.Create(ctx, &model.Message{ID: 1, ConversationID: conv, SenderID: "bob", Content: "x", Type: model.TypeText, CreatedAt: time.Now().UTC()}))
	// A row written without its increment, as after a failed counter update.
	require.NoError(t, s.Query(`INSERT INTO messages (conversation_id, id, sender_id, content, type, file_url, file_name, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(conv), int64(2), "bob", "y", "text", "", "", time.Now().UTC()).Exec())

	page, total, err := msgs.FindByConversationPaged(ctx, conv, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 2, total)
}
