package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChitFund/internal/core"
	"ChitFund/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestServer(t *testing.T) (*httptest.Server, *core.Engine, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	engine := core.NewEngine(state.Limits{
		MaxCycles:        12,
		MaxParticipants:  12,
		MinCycleDuration: time.Hour,
	}, clock, nil, nil, nil, zerolog.Nop())

	srv := New(engine, nil, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, engine, clock
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func initBody(creator uuid.UUID, asset string) map[string]interface{} {
	return map[string]interface{}{
		"creator":                creator.String(),
		"asset":                  asset,
		"contribution_amount":    100,
		"cycle_duration_seconds": 3600,
		"total_cycles":           3,
		"collateral_requirement": 50,
		"max_participants":       3,
		"disbursement_schedule":  []int64{300, 300, 300},
	}
}

func deposit(t *testing.T, ts *httptest.Server, owner uuid.UUID, asset string, amount int64) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/accounts/"+owner.String()+"/deposits", map[string]interface{}{
		"asset":  asset,
		"amount": amount,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestInitializeFundEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT01"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "FundInitialized", body["event_type"])
	assert.Equal(t, float64(1), body["sequence"])

	fund, ok := body["fund"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "HT01", fund["asset"])
	assert.Equal(t, true, fund["is_active"])

	// Same asset again conflicts
	resp = postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT01"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestInitializeFundValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing creator", func(m map[string]interface{}) { delete(m, "creator") }},
		{"zero contribution", func(m map[string]interface{}) { m["contribution_amount"] = 0 }},
		{"empty schedule", func(m map[string]interface{}) { m["disbursement_schedule"] = []int64{} }},
		{"bad asset", func(m map[string]interface{}) { m["asset"] = "not valid!" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := initBody(creator, "HT02")
			tc.mutate(body)
			resp := postJSON(t, ts.URL+"/api/v1/funds", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}

	// Short cycle duration passes request validation but fails fund limits
	body := initBody(creator, "HT02")
	body["cycle_duration_seconds"] = 60
	resp := postJSON(t, ts.URL+"/api/v1/funds", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown fields are rejected
	body = initBody(creator, "HT02")
	body["surprise"] = true
	resp = postJSON(t, ts.URL+"/api/v1/funds", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestJoinEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()
	owner := uuid.New()

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT03"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// No balance yet: collateral transfer must fail
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT03/participants", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	deposit(t, ts, owner, "HT03", 400)

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT03/participants", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ParticipantJoined", body["event_type"])

	// Double join conflicts
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT03/participants", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Unknown fund
	resp = postJSON(t, ts.URL+"/api/v1/funds/NOPE/participants", map[string]string{"owner": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestContributeEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()
	owner := uuid.New()

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT04"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	deposit(t, ts, owner, "HT04", 400)

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT04/participants", map[string]string{"owner": owner.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT04/contributions", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// One contribution per cycle
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT04/contributions", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "contribution")
}

func TestDisburseEndpoint(t *testing.T) {
	ts, _, clock := newTestServer(t)
	creator := uuid.New()
	owners := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT05"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	for _, o := range owners {
		deposit(t, ts, o, "HT05", 400)
		resp = postJSON(t, ts.URL+"/api/v1/funds/HT05/participants", map[string]string{"owner": o.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		resp = postJSON(t, ts.URL+"/api/v1/funds/HT05/contributions", map[string]string{"owner": o.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// Cycle window has not elapsed yet
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT05/disbursements", map[string]string{"owner": owners[0].String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	clock.advance(time.Hour)

	selected := owners[int(clock.Now().Unix())%len(owners)]
	var wrong uuid.UUID
	for _, o := range owners {
		if o != selected {
			wrong = o
			break
		}
	}

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT05/disbursements", map[string]string{"owner": wrong.String()})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT05/disbursements", map[string]string{"owner": selected.String()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "FundsDisbursed", body["event_type"])

	fund, ok := body["fund"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), fund["current_cycle"])
}

func TestWithdrawBeforeFundCloses(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()
	owner := uuid.New()

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT06"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	deposit(t, ts, owner, "HT06", 400)
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT06/participants", map[string]string{"owner": owner.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/funds/HT06/withdrawals", map[string]string{"owner": owner.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestGetFundAndParticipant(t *testing.T) {
	ts, _, _ := newTestServer(t)
	creator := uuid.New()
	owner := uuid.New()

	resp := postJSON(t, ts.URL+"/api/v1/funds", initBody(creator, "HT07"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	deposit(t, ts, owner, "HT07", 400)
	resp = postJSON(t, ts.URL+"/api/v1/funds/HT07/participants", map[string]string{"owner": owner.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/v1/funds/HT07")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	fund := decodeBody(t, resp)
	assert.Equal(t, "HT07", fund["asset"])
	assert.Equal(t, float64(50), fund["total_contribution_amount"])
	assert.Equal(t, float64(0), fund["contribution_pool_balance"])
	assert.Equal(t, float64(50), fund["collateral_pool_balance"])

	resp, err = http.Get(ts.URL + "/api/v1/participants/" + owner.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	p := decodeBody(t, resp)
	assert.Equal(t, owner.String(), p["owner"])
	assert.Equal(t, false, p["has_borrowed"])

	resp, err = http.Get(ts.URL + "/api/v1/funds/MISSING")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/participants/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProjectedEndpointsWithoutProjections(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// The server runs without a query service here, so the projection
	// routes must refuse rather than 404 or panic.
	resp, err := http.Get(ts.URL + "/api/v1/funds/HT09/projected")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/participants/" + uuid.NewString() + "/projected")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestListEventsTypeFilter(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// Unknown discriminators are rejected before any query runs
	resp, err := http.Get(ts.URL + "/api/v1/funds/HT09/events?type=NotAnEventType")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "unknown event type")

	// A known discriminator passes validation; without a query service the
	// endpoint reports unavailable rather than invalid
	resp, err = http.Get(ts.URL + "/api/v1/funds/HT09/events?type=ParticipantJoined")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestGetBalanceEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	owner := uuid.New()
	deposit(t, ts, owner, "HT08", 275)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/accounts/%s/balances/HT08", ts.URL, owner))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(275), body["balance"])
}
