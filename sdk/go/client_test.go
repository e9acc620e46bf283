package archiflowsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archiflow/internal/chatbot"
	"archiflow/internal/db"
	"archiflow/internal/engine"
	"archiflow/internal/events"
	"archiflow/internal/migrate"
	"archiflow/internal/server"
)

type statsCompleter struct{}

func (statsCompleter) Submit(_ context.Context, _ *chatbot.PendingRequest, done func(string, error)) {
	go done(`{"type": "get_contract_stats"}`, nil)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, events.NewBus())
	e.Now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	handler, err := server.New(server.Config{
		Engine: e,
		Chat:   chatbot.New(chatbot.Options{Contracts: e, Completer: statsCompleter{}}),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func ptr[T any](v T) *T { return &v }

func TestClientContractRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateContract(ctx, NewContract{
		ID:         ptr("CONT-SDK"),
		ClientName: "Studio Lumen",
		EndDate:    ptr("2026-03-31"),
		Value:      ptr(9000.0),
		Status:     ptr("Active"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", created.StartDate)

	updated, err := c.UpdateContract(ctx, "CONT-SDK", "amount", "$9,500")
	require.NoError(t, err)
	assert.Equal(t, 9500.0, updated.Value)

	list, err := c.ListContracts(ctx, "lumen", "", 10)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 9500.0, list.TotalValue)

	expiring, err := c.Expiring(ctx, 30)
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	reply, err := c.Chat(ctx, "how are we doing?", "")
	require.NoError(t, err)
	assert.Equal(t, "message", reply.Kind)
	assert.Equal(t, string(chatbot.IntentContractStats), reply.Intent)

	require.NoError(t, c.DeleteContract(ctx, "CONT-SDK"))
	_, err = c.GetContract(ctx, "CONT-SDK")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
