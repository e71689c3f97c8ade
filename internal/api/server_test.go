package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/ledgersync/internal/engine"
	"github.com/harborview/ledgersync/internal/gateway"
	"github.com/harborview/ledgersync/internal/hub"
	"github.com/harborview/ledgersync/internal/identity"
	"github.com/harborview/ledgersync/internal/intent"
	"github.com/harborview/ledgersync/internal/record"
)

// stack is a full in-process deployment: sim gateway, stores, engine,
// hub, and the HTTP surface.
type stack struct {
	sim     *gateway.Sim
	intents *intent.Store
	records *record.MemoryStore
	hub     *hub.Hub
	srv     *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()

	reg := identity.NewRegistry([]identity.Actor{
		{Name: "m0", Credential: "wallet:m0"},
		{Name: "m1", Credential: "wallet:m1"},
	})
	// A small confirmation latency keeps the realistic ordering: the
	// intent write lands before the confirmation arrives.
	sim := gateway.NewSim(reg, gateway.WithLatency(10*time.Millisecond))
	intents := intent.NewStore()
	records := record.NewMemoryStore()
	h := hub.New()
	eng := engine.New(intents, records, h)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Feed(sim.Events())
	engDone := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(engDone)
	}()

	srv := httptest.NewServer(New(sim, sim, intents, records, h).Router())
	t.Cleanup(func() {
		srv.Close()
		sim.Abort()
		cancel()
		<-engDone
		h.Close()
	})

	return &stack{sim: sim, intents: intents, records: records, hub: h, srv: srv}
}

func (s *stack) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (s *stack) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, buf.Bytes()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

// waitReconciled polls until the entity has confirmed metadata.
func (s *stack) waitReconciled(t *testing.T, entityID int64) *record.ConfirmedRecord {
	t.Helper()
	var rec *record.ConfirmedRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = s.records.Get(context.Background(), entityID)
		require.NoError(t, err)
		return rec != nil
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestRegister_EndToEnd(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/assets", map[string]any{
		"actor":   "m0",
		"payload": map[string]string{"description": "Laptop"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	txID := body["provisional_tx_id"].(string)
	require.NotEmpty(t, txID)

	rec := s.waitReconciled(t, 1)
	assert.Equal(t, "Laptop", rec.Payload["description"])
	assert.Equal(t, txID, rec.ReconciledFrom)
	assert.Equal(t, 0, s.intents.Len(), "intent consumed by reconciliation")

	// Merged view: on-chain state plus confirmed metadata.
	resp2, raw := s.get(t, "/assets/1")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var view struct {
		Asset    gateway.Asset           `json:"asset"`
		Metadata *record.ConfirmedRecord `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "m0", view.Asset.Owner)
	require.NotNil(t, view.Metadata)
	assert.Equal(t, "Laptop", view.Metadata.Payload["description"])
}

func TestRegister_TwoBeforeConfirm(t *testing.T) {
	s := newStack(t)

	// Both submissions land before either confirmation is processed;
	// FIFO matching pairs them up in order.
	resp, _ := s.post(t, "/assets", map[string]any{
		"actor":   "m0",
		"payload": map[string]string{"description": "Laptop"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = s.post(t, "/assets", map[string]any{
		"actor":   "m0",
		"payload": map[string]string{"description": "Monitor"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, "Laptop", s.waitReconciled(t, 1).Payload["description"])
	assert.Equal(t, "Monitor", s.waitReconciled(t, 2).Payload["description"])
}

func TestRegister_UnknownActorNoIntent(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/assets", map[string]any{
		"actor":   "stranger",
		"payload": map[string]string{"description": "Laptop"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, true, body["retryable"], "not-authorized is the try-again-shortly case")
	assert.Equal(t, 0, s.intents.Len(), "no intent without a submitted command")
}

func TestRegister_BadRequests(t *testing.T) {
	s := newStack(t)

	resp, err := http.Post(s.srv.URL+"/assets", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, _ := s.post(t, "/assets", map[string]any{"payload": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestLifecycle_CheckoutAndReturn(t *testing.T) {
	s := newStack(t)

	resp, _ := s.post(t, "/assets", map[string]any{
		"actor":   "m0",
		"payload": map[string]string{"description": "Laptop"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.waitReconciled(t, 1)

	resp, _ = s.post(t, "/assets/1/checkout", map[string]any{"actor": "m1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		asset, err := s.sim.QueryAsset(context.Background(), 1)
		require.NoError(t, err)
		return asset.CheckedOut
	}, 2*time.Second, 5*time.Millisecond)

	// Checkout while checked out is a lifecycle conflict, not retryable.
	resp, body := s.post(t, "/assets/1/checkout", map[string]any{"actor": "m0"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["retryable"])

	resp, _ = s.post(t, "/assets/1/return", map[string]any{"actor": "m1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetAsset_Unknown(t *testing.T) {
	s := newStack(t)

	resp, _ := s.get(t, "/assets/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.get(t, "/assets/xyz")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAssets_MergesMetadata(t *testing.T) {
	s := newStack(t)

	for i, desc := range []string{"Laptop", "Monitor", "Dock"} {
		resp, _ := s.post(t, "/assets", map[string]any{
			"actor":   "m0",
			"payload": map[string]string{"description": desc},
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode, "submission %d", i)
	}
	s.waitReconciled(t, 3)

	resp, raw := s.get(t, "/assets")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []struct {
		Asset    gateway.Asset           `json:"asset"`
		Metadata *record.ConfirmedRecord `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 3)
	for i, want := range []string{"Laptop", "Monitor", "Dock"} {
		assert.Equal(t, int64(i+1), views[i].Asset.ID)
		require.NotNil(t, views[i].Metadata, "asset %d", i+1)
		assert.Equal(t, want, views[i].Metadata.Payload["description"])
	}
}

func TestHealthz(t *testing.T) {
	s := newStack(t)

	resp, raw := s.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status         string `json:"status"`
		PendingIntents int    `json:"pending_intents"`
		Observers      int    `json:"observers"`
	}
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.PendingIntents)
}

func TestRegister_ManyActorsInterleaved(t *testing.T) {
	s := newStack(t)

	// Interleaved submissions from two actors; actor scoping keeps each
	// actor's metadata on its own entities.
	descs := map[string][]string{
		"m0": {"Laptop", "Monitor"},
		"m1": {"Projector", "Whiteboard"},
	}
	for i := 0; i < 2; i++ {
		for _, actor := range []string{"m0", "m1"} {
			resp, _ := s.post(t, "/assets", map[string]any{
				"actor":   actor,
				"payload": map[string]string{"description": descs[actor][i]},
			})
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
		}
	}
	s.waitReconciled(t, 4)

	byActor := map[string][]string{}
	for id := int64(1); id <= 4; id++ {
		rec := s.waitReconciled(t, id)
		asset, err := s.sim.QueryAsset(context.Background(), id)
		require.NoError(t, err)
		byActor[asset.Owner] = append(byActor[asset.Owner], rec.Payload["description"])
	}
	assert.Equal(t, descs["m0"], byActor["m0"], "m0's intents matched m0's entities in order")
	assert.Equal(t, descs["m1"], byActor["m1"], "m1's intents matched m1's entities in order")
}

func TestRouterPaths(t *testing.T) {
	s := newStack(t)

	for _, tc := range []struct {
		method, path string
		wantNot      int
	}{
		{http.MethodPost, "/assets", http.StatusNotFound},
		{http.MethodGet, "/assets", http.StatusNotFound},
		{http.MethodGet, "/healthz", http.StatusNotFound},
	} {
		req, err := http.NewRequest(tc.method, s.srv.URL+tc.path, bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, tc.wantNot, resp.StatusCode, fmt.Sprintf("%s %s must be routed", tc.method, tc.path))
	}
}
