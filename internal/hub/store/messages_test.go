package store_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/store"
)

func TestAddMessageSeqDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res, err := s.AddMessage(ctx, sess.ID, json.RawMessage(`{"n":1}`), "", "default")
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Message.Seq)
		assert.False(t, res.Duplicate)
	}
}

func TestAddMessageIdempotentOnLocalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	first, err := s.AddMessage(ctx, sess.ID, json.RawMessage(`{"text":"hello"}`), "local-1", "default")
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := s.AddMessage(ctx, sess.ID, json.RawMessage(`{"text":"retried"}`), "local-1", "default")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.JSONEq(t, `{"text":"hello"}`, string(second.Message.Content), "retry must not overwrite")

	msgs, err := s.GetMessages(ctx, sess.ID, 0, 10, "default")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessageContentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	// Large repetitive payload, the shape compression exists for.
	content, err := json.Marshal(map[string]string{"output": strings.Repeat("la", 50_000)})
	require.NoError(t, err)

	_, err = s.AddMessage(ctx, sess.ID, content, "", "default")
	require.NoError(t, err)

	msgs, err := s.GetMessages(ctx, sess.ID, 0, 1, "default")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, json.RawMessage(content), msgs[0].Content)
}

func TestGetMessagesAfterSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "default", store.CreateSessionOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AddMessage(ctx, sess.ID, json.RawMessage(`{}`), "", "default")
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, sess.ID, 3, 10, "default")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)
	assert.Equal(t, int64(5), msgs[1].Seq)

	// Limit below range clamps to 1.
	msgs, err = s.GetMessages(ctx, sess.ID, 0, 0, "default")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessagesNamespaceGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "tag-1", "alpha", store.CreateSessionOptions{})
	require.NoError(t, err)

	_, err = s.AddMessage(ctx, sess.ID, json.RawMessage(`{}`), "", "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = s.GetMessages(ctx, sess.ID, 0, 10, "beta")
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = s.GetMessages(ctx, "no-such-id", 0, 10, "beta")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
