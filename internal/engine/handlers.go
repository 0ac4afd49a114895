package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finboard/paper-engine/internal/margin"
	"github.com/finboard/paper-engine/internal/model"
	"github.com/finboard/paper-engine/internal/pricefeed"
	"github.com/finboard/paper-engine/internal/store"
)

// userID extracts the opaque identity set by the upstream auth layer.
// Requests without one run as the guest identity: reads work, persistence
// is refused.
func userID(r *http.Request) string {
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return uid
	}
	return model.GuestUserID
}

// Routes mounts the engine's API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/portfolio", s.handleCreatePortfolio)
	r.Get("/portfolio", s.handleGetPortfolio)
	r.Post("/portfolio/reset", s.handleResetPortfolio)

	r.Post("/positions", s.handleOpenPosition)
	r.Get("/positions", s.handleListPositions)
	r.Delete("/positions/{positionID}", s.handleClosePosition)

	r.Get("/trades", s.handleListTrades)

	r.Post("/snapshot", s.handleTakeSnapshot)
	r.Get("/snapshots", s.handleListSnapshots)
	r.Get("/snapshots/monthly", s.handleMonthlySnapshots)

	r.Get("/price/{symbol}", s.handleGetPrice)
}

// --- Portfolio ---

// portfolioRequest is the JSON body for POST /portfolio and /portfolio/reset.
type portfolioRequest struct {
	InitialSpot    decimal.Decimal `json:"initial_spot"`
	InitialFutures decimal.Decimal `json:"initial_futures"`
}

func (s *Service) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.CreatePortfolio(r.Context(), userID(r), req.InitialSpot, req.InitialFutures)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleResetPortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.Reset(r.Context(), userID(r), req.InitialSpot, req.InitialFutures)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Positions ---

func (s *Service) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.Open(r.Context(), userID(r), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Service) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Close(r.Context(), userID(r), chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Service) handleListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Positions(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if views == nil {
		views = []PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Trades ---

func (s *Service) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.Trades(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Snapshots ---

func (s *Service) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.TakeSnapshot(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Snapshots(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.DailySnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Service) handleMonthlySnapshots(w http.ResponseWriter, r *http.Request) {
	points, err := s.MonthlySnapshots(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Prices ---

func (s *Service) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol, err := pricefeed.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	price := s.prices.Price(r.Context(), symbol)
	if price.IsZero() {
		writeError(w, "price unknown for "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{symbol: price})
}

// --- Response helpers ---

// writeErr maps domain errors onto HTTP statuses. Anything outside the
// taxonomy is treated as the store being unavailable.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrGuestIdentity):
		writeError(w, "sign in to start a simulation", http.StatusUnauthorized)
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, margin.ErrInvalidOrder),
		errors.Is(err, pricefeed.ErrInvalidSymbol):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownPrice):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientPosition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		slog.Error("store operation failed", "err", err)
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
