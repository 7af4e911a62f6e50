package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/model/signal"
	"github.com/ntsagui/neocortex/internal/service/conversation"
)

func execute(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--redis", "redis://" + mr.Addr()}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSendPublishesLeadMessage(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := execute(t, mr, "send",
		"--session", "cli-1",
		"--message", "Bonjour",
		"--name", "Awa",
		"--email", "awa@example.com",
		"--company", "Acme")
	require.NoError(t, err)

	var receipt map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	assert.NotEmpty(t, receipt["signal_id"])
	assert.NotEmpty(t, receipt["correlation_id"])

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	n, err := rdb.XLen(context.Background(), signal.TopicInputChat).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSessionInspectPrintsHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := conversation.NewStore(rdb)
	ctx := context.Background()
	require.NoError(t, store.AppendMessage(ctx, "cli-2", chat.RoleUser, "Bonjour"))
	require.NoError(t, store.AppendMessage(ctx, "cli-2", chat.RoleAssistant, "Bienvenue"))
	require.NoError(t, store.SetProspectInfo(ctx, "cli-2", chat.ProspectInfo{Name: "Awa", Company: "Acme"}))

	out, err := execute(t, mr, "session", "inspect", "cli-2")
	require.NoError(t, err)

	var view struct {
		MessageCount int                `json:"message_count"`
		History      []chat.Message     `json:"history"`
		Prospect     *chat.ProspectInfo `json:"prospect_info"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, 2, view.MessageCount)
	require.Len(t, view.History, 2)
	assert.Equal(t, "Bienvenue", view.History[1].Content)
	require.NotNil(t, view.Prospect)
	assert.Equal(t, "Acme", view.Prospect.Company)
}

func TestSessionCount(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	require.NoError(t, conversation.NewStore(rdb).AppendMessage(context.Background(), "cli-3", chat.RoleUser, "Salut"))

	out, err := execute(t, mr, "session", "count")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}
