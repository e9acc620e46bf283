package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archiflow/internal/db"
	"archiflow/internal/domain"
	"archiflow/internal/engine"
	"archiflow/internal/events"
	"archiflow/internal/migrate"
)

type testEnv struct {
	Engine  engine.Engine
	Manager *Manager
	Ctx     context.Context
	Events  *[]domain.ChangeEvent
}

func newTestEnv(t *testing.T, completer Completer) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	bus := events.NewBus()
	var seen []domain.ChangeEvent
	bus.Subscribe(func(evt domain.ChangeEvent) { seen = append(seen, evt) })

	eng := engine.New(conn, bus)
	eng.Now = func() time.Time { return time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC) }
	mgr := New(Options{Contracts: eng, Completer: completer})
	return testEnv{Engine: eng, Manager: mgr, Ctx: context.Background(), Events: &seen}
}

func (env testEnv) seed(t *testing.T, id, client, status, start, end string, value float64) {
	t.Helper()
	_, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
		ID: id, ClientName: client, Status: status, StartDate: start, EndDate: end, Value: &value,
	})
	require.NoError(t, err)
}

// fakeCompleter answers every request with a canned reply on its own goroutine.
type fakeCompleter struct {
	content string
	err     error

	mu       sync.Mutex
	requests []PendingRequest
}

func (f *fakeCompleter) Submit(_ context.Context, req *PendingRequest, done func(string, error)) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	f.mu.Unlock()
	go done(f.content, f.err)
}

func TestHandleCreateWithDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	reply := env.Manager.Handle(env.Ctx, `{"type":"create_contract","client_name":"ABC Corp"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Equal(t, IntentCreateContract, reply.Intent)
	assert.Contains(t, reply.Text, "Contract created successfully!")

	all, err := env.Engine.ListContracts(env.Ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	c := all[0]
	assert.Equal(t, "ABC Corp", c.ClientName)
	assert.Equal(t, domain.StatusDraft, c.Status)
	assert.Equal(t, "2026-03-10", c.StartDate)
	assert.Equal(t, "2027-03-10", c.EndDate)
	assert.Zero(t, c.Value)
	assert.Contains(t, reply.Text, c.ID)
	require.Len(t, *env.Events, 1)
}

func TestHandleCreateRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	reply := env.Manager.Handle(env.Ctx, `{"type":"create_contract","client_name":"  "}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Equal(t, "Client name is required to create a contract.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"create_contract","client_name":"X","start_date":"2026-05-01","end_date":"2026-05-01"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Equal(t, "End date must be after start date.", reply.Text)

	env.seed(t, "CONT-1", "First", "", "", "", 0)
	reply = env.Manager.Handle(env.Ctx, `{"type":"create_contract","client_name":"Second","contract_id":"CONT-1"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Equal(t, "A contract with ID CONT-1 already exists.", reply.Text)
	assert.Len(t, *env.Events, 1)
}

func TestHandleCreateParsesValue(t *testing.T) {
	env := newTestEnv(t, nil)
	reply := env.Manager.Handle(env.Ctx, `{"type":"create_contract","contract_id":"CONT-V","client_name":"Val","value":"$12,500.50"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Contains(t, reply.Text, "Value: $12,500.50")
	c, err := env.Engine.GetContract(env.Ctx, "CONT-V")
	require.NoError(t, err)
	assert.Equal(t, 12500.5, c.Value)
}

func TestHandleCreateIgnoresNonNumericValue(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, bad := range []string{"inf", "NaN", "lots"} {
		id := fmt.Sprintf("CONT-X%d", i)
		reply := env.Manager.Handle(env.Ctx, `{"type":"create_contract","contract_id":"`+id+`","client_name":"Val","value":"`+bad+`"}`, "")
		require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
		assert.Contains(t, reply.Text, "Value: $0.00", bad)
		c, err := env.Engine.GetContract(env.Ctx, id)
		require.NoError(t, err)
		assert.Zero(t, c.Value, bad)
	}
	reply := env.Manager.Handle(env.Ctx, `{"type":"get_contract_stats"}`, "")
	assert.Contains(t, reply.Text, "Total value: $0.00")
}

func TestHandleUpdateInvalidValue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT1", "ABC Corp", domain.StatusActive, "2026-01-01", "2026-12-31", 1000)

	for _, bad := range []string{"abc", "inf", "Infinity", "NaN", "0x1p4", "-5"} {
		reply := env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT1","field":"value","value":"`+bad+`"}`, "")
		assert.Equal(t, ReplyError, reply.Kind, bad)
		assert.Equal(t, "Invalid value format. Please provide a number.", reply.Text, bad)
	}

	c, err := env.Engine.GetContract(env.Ctx, "CONT1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, c.Value)
	assert.Len(t, *env.Events, 1)
}

func TestHandleUpdateUnknownField(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT1", "ABC Corp", domain.StatusActive, "2026-01-01", "2026-12-31", 1000)

	for _, selected := range []string{"", "CONT1"} {
		reply := env.Manager.Handle(env.Ctx, `{"type":"update_contract","field":"colour","value":"blue"}`, selected)
		assert.Equal(t, ReplyError, reply.Kind)
		assert.True(t, strings.HasPrefix(reply.Text, "Unknown field 'colour'. Supported fields: client_name, status"), reply.Text)
	}
	assert.Len(t, *env.Events, 1)
}

func TestHandleUpdateDates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT1", "ABC Corp", domain.StatusActive, "2026-01-01", "2026-12-31", 1000)

	reply := env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT1","field":"end_date","value":"31/12/2027"}`, "")
	assert.Equal(t, "Invalid date format. Please use YYYY-MM-DD.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT1","field":"end_date","value":"2025-06-01"}`, "")
	assert.Equal(t, "End date must be after start date.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT1","field":"end_date","value":"2027-06-30"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Equal(t, "Contract CONT1 updated: end_date is now 2027-06-30.", reply.Text)
}

func TestHandleUpdateTargets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT-A", "Acme", domain.StatusActive, "2026-01-01", "2026-12-31", 100)
	env.seed(t, "CONT-B", "ACME", domain.StatusActive, "2026-01-01", "2026-12-31", 200)
	env.seed(t, "CONT-C", "Other", domain.StatusDraft, "2026-01-01", "2026-12-31", 300)

	// Same creation time, so the newest-first order falls back to id descending.
	reply := env.Manager.Handle(env.Ctx, `{"type":"update_contract","search_by":"client_name","search_value":"acme","field":"amount","value":"5,000"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Equal(t, "Contract CONT-B updated: value is now $5,000.00.", reply.Text)
	a, _ := env.Engine.GetContract(env.Ctx, "CONT-A")
	assert.Equal(t, 100.0, a.Value)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","field":"status","value":"Completed"}`, "CONT-C")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	c, _ := env.Engine.GetContract(env.Ctx, "CONT-C")
	assert.Equal(t, domain.StatusCompleted, c.Status)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","search_by":"client_name","search_value":"Nobody","field":"status","value":"Active"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Equal(t, "No contract found with client_name 'Nobody'.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT-Z","field":"status","value":"Active"}`, "")
	assert.Equal(t, "Contract CONT-Z not found.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","field":"status","value":"Active"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Contains(t, reply.Text, "Please specify which contract to update")

	reply = env.Manager.Handle(env.Ctx, `{"type":"update_contract","contract_id":"CONT-A","field":"status"}`, "")
	assert.Equal(t, "Please specify which field to update and its new value.", reply.Text)
}

func TestHandleDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT-D", "Gone Soon", "", "", "", 0)

	reply := env.Manager.Handle(env.Ctx, `{"type":"delete_contract","contract_id":"CONT-D"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Equal(t, "Contract CONT-D deleted successfully.", reply.Text)
	require.Len(t, *env.Events, 2)
	assert.Equal(t, domain.EventContractDeleted, (*env.Events)[1].Type)

	reply = env.Manager.Handle(env.Ctx, `{"type":"delete_contract","contract_id":"CONT-D"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Equal(t, "Contract CONT-D not found.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"delete_contract"}`, "")
	assert.Equal(t, "Please specify the ID of the contract to delete.", reply.Text)
}

func countListed(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "- ") {
			n++
		}
	}
	return n
}

func TestHandleSearchCapsResults(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 20; i++ {
		env.seed(t, fmt.Sprintf("CONT-%02d", i), "Bulk Client", domain.StatusActive, "2026-01-01", "2026-12-31", 100)
	}

	reply := env.Manager.Handle(env.Ctx, `{"type":"search_contracts","search_term":"bulk"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind)
	assert.Equal(t, SearchLimit, countListed(reply.Text))
	assert.Contains(t, reply.Text, "Showing first 15 of 20 contracts.")
	assert.Contains(t, reply.Text, "Total value: $2,000.00")
}

func TestHandleSearchExactlyAtLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < SearchLimit; i++ {
		env.seed(t, fmt.Sprintf("CONT-%02d", i), "Bulk Client", domain.StatusActive, "2026-01-01", "2026-12-31", 10)
	}
	env.seed(t, "CONT-X", "Bulk Client", domain.StatusDraft, "2026-01-01", "2026-12-31", 10)

	reply := env.Manager.Handle(env.Ctx, `{"type":"search_contracts","search_term":"bulk","status":"active"}`, "")
	assert.Equal(t, SearchLimit, countListed(reply.Text))
	assert.NotContains(t, reply.Text, "Showing first")
	assert.Contains(t, reply.Text, "Total value: $150.00")
}

func TestHandleSearchNoMatches(t *testing.T) {
	env := newTestEnv(t, nil)
	reply := env.Manager.Handle(env.Ctx, `{"type":"search_contracts","search_term":"zzz"}`, "")
	assert.Equal(t, ReplyMessage, reply.Kind)
	assert.Equal(t, "No contracts found matching 'zzz'.", reply.Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"search_contracts","status":"Expired"}`, "")
	assert.Equal(t, "No contracts found matching status 'Expired'.", reply.Text)
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "C1", "A", "Active", "", "", 1000)
	env.seed(t, "C2", "B", "active", "", "", 500)
	env.seed(t, "C3", "C", "Completed", "", "", 250)
	env.seed(t, "C4", "D", "Draft", "", "", 0)

	reply := env.Manager.Handle(env.Ctx, `{"type":"get_contract_stats"}`, "")
	require.Equal(t, ReplyMessage, reply.Kind)
	for _, want := range []string{
		"Total contracts: 4",
		"Total value: $1,750.00",
		"Active: 2",
		"Completed: 1",
		"Pending: 0",
		"- Draft: 1",
		"- active: 1",
	} {
		assert.Contains(t, reply.Text, want)
	}
}

func TestHandleExpiringWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "IN30", "Edge", domain.StatusActive, "2025-01-01", "2026-04-09", 1)
	env.seed(t, "OUT31", "Late", domain.StatusActive, "2025-01-01", "2026-04-10", 1)
	env.seed(t, "DRAFT", "Idle", domain.StatusDraft, "2025-01-01", "2026-03-20", 1)

	reply := env.Manager.Handle(env.Ctx, `{"type":"expiring_contracts","days":30}`, "")
	require.Equal(t, ReplyMessage, reply.Kind)
	assert.Contains(t, reply.Text, "IN30")
	assert.NotContains(t, reply.Text, "OUT31")
	assert.NotContains(t, reply.Text, "DRAFT")

	reply = env.Manager.Handle(env.Ctx, `{"type":"expiring_contracts","days":0}`, "")
	assert.Contains(t, reply.Text, "next 30 days")

	reply = env.Manager.Handle(env.Ctx, `{"type":"expiring_contracts","days":1e19}`, "")
	assert.Contains(t, reply.Text, "next 30 days")

	reply = env.Manager.Handle(env.Ctx, `{"type":"expiring_contracts","days":5}`, "")
	assert.Equal(t, "No active contracts expiring in the next 5 days.", reply.Text)
}

func TestHandlePaymentTerms(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT-P", "Pay", "", "", "", 0)

	reply := env.Manager.Handle(env.Ctx, `{"type":"payment_terms","value":45}`, "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Contains(t, reply.Text, "select a contract")

	for _, bad := range []string{`0`, `-5`, `2.5`, `"soon"`, `1e19`, `"inf"`} {
		reply = env.Manager.Handle(env.Ctx, `{"type":"payment_terms","value":`+bad+`}`, "CONT-P")
		assert.Equal(t, ReplyError, reply.Kind, bad)
	}

	reply = env.Manager.Handle(env.Ctx, `{"type":"payment_terms","value":45}`, "CONT-P")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	c, err := env.Engine.GetContract(env.Ctx, "CONT-P")
	require.NoError(t, err)
	assert.Equal(t, "Contract for Pay\n\nPayment terms: net 45 days from invoice date.", c.Description)
}

func TestFormatMoney(t *testing.T) {
	for v, want := range map[float64]string{
		0:          "$0.00",
		12500.5:    "$12,500.50",
		999.999:    "$1,000.00",
		1234567.25: "$1,234,567.25",
		-42.1:      "-$42.10",
	} {
		assert.Equal(t, want, FormatMoney(v))
	}
}

func TestHandleNonCompete(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "CONT-N", "Clause", "", "", "", 0)

	reply := env.Manager.Handle(env.Ctx, `{"type":"non_compete_clause"}`, "")
	assert.Equal(t, ReplyError, reply.Kind)

	reply = env.Manager.Handle(env.Ctx, `{"type":"non_compete_clause"}`, "CONT-N")
	require.Equal(t, ReplyMessage, reply.Kind)
	c, _ := env.Engine.GetContract(env.Ctx, "CONT-N")
	assert.True(t, strings.HasSuffix(c.Description, nonCompeteClause))

	reply = env.Manager.Handle(env.Ctx, `{"type":"non_compete_clause"}`, "CONT-MISSING")
	assert.Equal(t, "Contract CONT-MISSING not found.", reply.Text)
}

func TestHandleConversationalAndGeneral(t *testing.T) {
	env := newTestEnv(t, nil)

	reply := env.Manager.Handle(env.Ctx, "blah blah not json at all", "")
	assert.Equal(t, Reply{Kind: ReplyMessage, Text: "blah blah not json at all"}, reply)

	reply = env.Manager.Handle(env.Ctx, `{"type":"general","response":"Contracts run a year by default."}`, "")
	assert.Equal(t, "Contracts run a year by default.", reply.Text)
	assert.Equal(t, IntentGeneral, reply.Intent)

	assert.Equal(t, greetingText, env.Manager.Handle(env.Ctx, `{"type":"general"}`, "").Text)
	assert.Equal(t, greetingText, env.Manager.Handle(env.Ctx, `{"type":null}`, "").Text)

	reply = env.Manager.Handle(env.Ctx, `{"type":"order_pizza"}`, "")
	assert.Equal(t, ReplyMessage, reply.Kind)
	for _, intent := range Intents() {
		assert.Contains(t, reply.Text, string(intent))
	}
	assert.Empty(t, *env.Events)
}

func TestSendDispatchesReplyAndReportsTyping(t *testing.T) {
	fake := &fakeCompleter{content: `{"type":"create_contract","client_name":"Via Send"}`}
	env := newTestEnv(t, fake)

	var mu sync.Mutex
	var typing []bool
	env.Manager.typing = func(on bool) {
		mu.Lock()
		typing = append(typing, on)
		mu.Unlock()
	}

	reply := <-env.Manager.Send(env.Ctx, "create a contract for Via Send", "CONT-SEL")
	require.Equal(t, ReplyMessage, reply.Kind, reply.Text)
	assert.Equal(t, IntentCreateContract, reply.Intent)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, typing)
	mu.Unlock()

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "create a contract for Via Send", req.Text)
	assert.Equal(t, "CONT-SEL", req.ContextID)
	assert.Equal(t, 1, req.Attempt)
	assert.Contains(t, req.Prompt, "Currently selected contract: CONT-SEL")
}

func TestSendMapsTransportErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"auth", &AuthenticationError{StatusCode: 401}, "Authentication failed. Please check your API key."},
		{"exhausted", &ExhaustedRetriesError{Attempts: 3, Err: errors.New("unexpected status 503")}, "Maximum retry attempts reached"},
		{"envelope", &MalformedEnvelopeError{Body: `{"choices":[]}`}, `Unexpected response format: {"choices":[]}`},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeCompleter{err: tc.err})
			reply, err := env.Manager.Ask(env.Ctx, "hello", "")
			require.NoError(t, err)
			assert.Equal(t, ReplyError, reply.Kind)
			assert.Contains(t, reply.Text, tc.want)
		})
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	fake := &fakeCompleter{content: "unused"}
	env := newTestEnv(t, fake)
	reply := <-env.Manager.Send(env.Ctx, "   ", "")
	assert.Equal(t, ReplyError, reply.Kind)
	assert.Empty(t, fake.requests)
}

func TestAskHonoursContext(t *testing.T) {
	env := newTestEnv(t, blockingCompleter{})
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Manager.Ask(ctx, "hello", "")
	assert.ErrorIs(t, err, context.Canceled)
}

type blockingCompleter struct{}

func (blockingCompleter) Submit(context.Context, *PendingRequest, func(string, error)) {}

func TestAskThroughTransport(t *testing.T) {
	var reply atomic.Value
	reply.Store("Sure!\n```json\n{\"type\": \"get_contract_stats\"}\n```")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, envelope(reply.Load().(string)))
	}))
	defer srv.Close()

	tr, _ := newTestTransport(t, srv.URL)
	env := newTestEnv(t, tr)
	got, err := env.Manager.Ask(env.Ctx, "how many contracts do we have", "")
	require.NoError(t, err)
	assert.Equal(t, ReplyMessage, got.Kind)
	assert.True(t, strings.HasPrefix(got.Text, "Sure!"), "replies not led by JSON are shown verbatim")

	reply.Store(`{"type": "get_contract_stats"}`)
	got, err = env.Manager.Ask(env.Ctx, "how many contracts do we have", "")
	require.NoError(t, err)
	assert.Equal(t, IntentContractStats, got.Intent)
	assert.Contains(t, got.Text, "Total contracts: 0")
}
