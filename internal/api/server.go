// Package api is the request surface: a thin HTTP layer translating
// client calls into gateway commands, intent-store writes, and state
// queries, plus the websocket endpoint feeding observers from the
// broadcast hub.
//
// The surface holds no domain logic. Submission ordering is the one rule
// it owns: the gateway command goes first, and only a successful
// acknowledgment - which carries the provisional tx id - writes an
// intent. A failed or rejected submission never mutates the intent store.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harborview/ledgersync/internal/gateway"
	"github.com/harborview/ledgersync/internal/hub"
	"github.com/harborview/ledgersync/internal/intent"
	"github.com/harborview/ledgersync/internal/record"
)

// Server wires the request surface to the core stores and the gateway.
type Server struct {
	submitter gateway.Submitter
	querier   gateway.Querier
	intents   *intent.Store
	records   record.Store
	hub       *hub.Hub
}

// New creates the request surface.
func New(sub gateway.Submitter, q gateway.Querier, intents *intent.Store, records record.Store, h *hub.Hub) *Server {
	return &Server{
		submitter: sub,
		querier:   q,
		intents:   intents,
		records:   records,
		hub:       h,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/assets", s.handleRegister)
	r.Get("/assets", s.handleListAssets)
	r.Get("/assets/{id}", s.handleGetAsset)
	r.Post("/assets/{id}/checkout", s.handleCheckout)
	r.Post("/assets/{id}/return", s.handleReturn)
	r.Get("/events", s.hub.ServeWS())
	r.Get("/healthz", s.handleHealth)

	return r
}

type registerRequest struct {
	Actor   string            `json:"actor"`
	Payload map[string]string `json:"payload"`
}

type actionRequest struct {
	Actor string `json:"actor"`
}

type submitResponse struct {
	ProvisionalTxID string `json:"provisional_tx_id"`
}

// assetView merges on-chain state with confirmed off-chain metadata.
// Metadata is nil for an entity reconciled as unmatched.
type assetView struct {
	Asset    gateway.Asset           `json:"asset"`
	Metadata *record.ConfirmedRecord `json:"metadata,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body", false)
		return
	}
	if req.Actor == "" {
		respondError(w, http.StatusBadRequest, "actor is required", false)
		return
	}

	// Gateway first. Only the acknowledgment carries the provisional tx
	// id, so a failure here leaves the intent store untouched.
	txID, err := s.submitter.Submit(r.Context(), gateway.Command{
		Actor:     req.Actor,
		Operation: gateway.OpRegisterAsset,
	})
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	if err := s.intents.Put(intent.Intent{
		ProvisionalTxID: txID,
		Actor:           req.Actor,
		Payload:         req.Payload,
	}); err != nil {
		// The command is on its way; the confirmation will arrive with no
		// intent to match. Surface that loudly.
		slog.Error("intent write failed after submission", "tx", txID, "error", err)
		respondError(w, http.StatusInternalServerError, "intent not recorded; confirmation will be unmatched", false)
		return
	}

	respondJSON(w, http.StatusAccepted, submitResponse{ProvisionalTxID: txID})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, gateway.OpCheckoutAsset)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, gateway.OpReturnAsset)
}

// handleLifecycle submits a checkout/return command. No intent is
// written: lifecycle operations carry no off-chain metadata.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, op string) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body", false)
		return
	}
	if req.Actor == "" {
		respondError(w, http.StatusBadRequest, "actor is required", false)
		return
	}

	txID, err := s.submitter.Submit(r.Context(), gateway.Command{
		Actor:     req.Actor,
		Operation: op,
		Params:    map[string]string{"id": chi.URLParam(r, "id")},
	})
	if err != nil {
		respondSubmitError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{ProvisionalTxID: txID})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "asset id must be an integer", false)
		return
	}

	asset, err := s.querier.QueryAsset(r.Context(), id)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			respondError(w, http.StatusNotFound, "unknown asset", false)
			return
		}
		slog.Error("asset query failed", "entity", id, "error", err)
		respondError(w, http.StatusBadGateway, "ledger query failed", true)
		return
	}

	meta, err := s.records.Get(r.Context(), id)
	if err != nil {
		slog.Error("metadata read failed", "entity", id, "error", err)
		respondError(w, http.StatusInternalServerError, "metadata store unavailable", true)
		return
	}

	respondJSON(w, http.StatusOK, assetView{Asset: *asset, Metadata: meta})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.querier.ListAssets(r.Context())
	if err != nil {
		slog.Error("asset list failed", "error", err)
		respondError(w, http.StatusBadGateway, "ledger query failed", true)
		return
	}

	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		meta, err := s.records.Get(r.Context(), a.ID)
		if err != nil {
			slog.Error("metadata read failed", "entity", a.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "metadata store unavailable", true)
			return
		}
		views = append(views, assetView{Asset: a, Metadata: meta})
	}
	respondJSON(w, http.StatusOK, views)
}

type healthResponse struct {
	Status         string `json:"status"`
	PendingIntents int    `json:"pending_intents"`
	Records        int    `json:"records"`
	Observers      int    `json:"observers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.records.Len(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "metadata store unavailable", true)
		return
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		PendingIntents: s.intents.Len(),
		Records:        n,
		Observers:      s.hub.Observers(),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// respondSubmitError maps gateway submission failures onto the request
// surface's error contract: not-authorized is the retryable "try again
// shortly" case, rejection is terminal for the request as sent.
func respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotAuthorized):
		respondError(w, http.StatusConflict, err.Error(), true)
	case errors.Is(err, gateway.ErrRejected):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), false)
	default:
		slog.Error("gateway submission failed", "error", err)
		respondError(w, http.StatusBadGateway, "ledger gateway unavailable", true)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string, retryable bool) {
	respondJSON(w, status, errorResponse{Error: msg, Retryable: retryable})
}
