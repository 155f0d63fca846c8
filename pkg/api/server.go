package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/app/core/errs"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/util"
)

const (
	defaultDepth        = 20
	defaultReceiptLimit = 100
	maxReceiptLimit     = 1000
)

// Server handles REST API and WebSocket connections
type Server struct {
	ex       *perp.Exchange
	cfg      params.API
	router   *mux.Router
	hub      *Hub
	gatherer prometheus.Gatherer
	clock    util.Clock
	logger   *zap.Logger
}

// NewServer wires the routes. A nil gatherer leaves /metrics unserved.
func NewServer(ex *perp.Exchange, cfg params.API, hub *Hub, gatherer prometheus.Gatherer, clock util.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if hub == nil {
		hub = NewHub(logger.Named("ws"))
	}
	s := &Server{
		ex:       ex,
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      hub,
		gatherer: gatherer,
		clock:    clock,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Venues and books
	api.HandleFunc("/venues", s.handleGetVenues).Methods("GET")
	api.HandleFunc("/venues/{venue}/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/venues/{venue}/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/venues/{venue}/receipts", s.handleGetReceipts).Methods("GET")
	api.HandleFunc("/venues/{venue}/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/venues/{venue}/orders/{symbol}/{id:[0-9]+}", s.handleCancelOrder).Methods("DELETE")

	// Cross-venue routing
	api.HandleFunc("/routes", s.handleRoute).Methods("POST")

	// Accounts
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw-pnl", s.handleWithdrawPnL).Methods("POST")
	api.HandleFunc("/accounts/{address}/claim-fees", s.handleClaimFees).Methods("POST")
	api.HandleFunc("/accounts/{address}/liquidate", s.handleLiquidate).Methods("POST")

	// Insurance and state
	api.HandleFunc("/insurance", s.handleGetInsurance).Methods("GET")
	api.HandleFunc("/insurance/top-up", s.handleTopUp).Methods("POST")
	api.HandleFunc("/state", s.handleGetState).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler is the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	_ = s.hub.Close()
	return err
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetVenues(w http.ResponseWriter, r *http.Request) {
	ids := s.ex.Venues()
	out := make([]VenueInfo, 0, len(ids))
	for _, id := range ids {
		syms, err := s.ex.Symbols(id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		out = append(out, VenueInfo{ID: id, Instruments: syms})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := s.ex.Instrument(vars["venue"], vars["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newMarketInfo(vars["venue"], inst))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	depth, err := queryInt(r, "depth", defaultDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}
	bids, asks, err := s.ex.Depth(vars["venue"], vars["symbol"], depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderbookSnapshot{
		Venue:     vars["venue"],
		Symbol:    vars["symbol"],
		Bids:      levels(bids),
		Asks:      levels(asks),
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["venue"]
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		respondError(w, http.StatusBadRequest, "invalid after", "")
		return
	}
	limit, err := queryInt(r, "limit", defaultReceiptLimit)
	if err != nil || limit <= 0 {
		respondError(w, http.StatusBadRequest, "invalid limit", "")
		return
	}
	if limit > maxReceiptLimit {
		limit = maxReceiptLimit
	}
	rcpts, err := s.ex.Receipts(venue, uint32(after), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]ReceiptInfo, len(rcpts))
	for i, rc := range rcpts {
		out[i] = newReceiptInfo(rc)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	owner, ok := address(w, req.Owner)
	if !ok {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return
	}
	id, err := s.ex.Place(mux.Vars(r)["venue"], owner, req.Symbol, side, price, req.Qty, util.NowMs(s.clock))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, PlaceOrderResponse{OrderID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	if err := s.ex.Cancel(vars["venue"], vars["symbol"], id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteOrderRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok := address(w, req.User)
	if !ok {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	limit, err := parsePrice(req.LimitPrice)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit price", err.Error())
		return
	}
	res, err := s.ex.Route(r.Context(), router.RouteRequest{
		User:       user,
		Instrument: req.Instrument,
		Asset:      s.asset(req.Asset),
		Side:       side,
		Qty:        req.Qty,
		LimitPrice: limit,
		TTLms:      req.TTLms,
		NowMs:      util.NowMs(s.clock),
	})
	if errors.Is(err, router.ErrPartialCommit) {
		// committed legs are final; report them with the failure
		out := newRouteResponse(res)
		out.Partial = true
		out.Error = err.Error()
		respondJSON(w, http.StatusOK, out)
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newRouteResponse(res))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := address(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	acct, err := s.ex.Account(user)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := newAccountInfo(acct)
	if h, err := s.ex.Health(user); err == nil {
		hi := newHealthInfo(h)
		out.Health = &hi
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := address(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	p, err := s.ex.Portfolio(user)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newPortfolioInfo(p))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.funds(w, r, func(user common.Address, req FundsRequest) (any, error) {
		return nil, s.ex.Deposit(r.Context(), user, s.asset(req.Asset), req.Amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.funds(w, r, func(user common.Address, req FundsRequest) (any, error) {
		return nil, s.ex.Withdraw(r.Context(), user, s.asset(req.Asset), req.Amount)
	})
}

func (s *Server) handleWithdrawPnL(w http.ResponseWriter, r *http.Request) {
	s.funds(w, r, func(user common.Address, req FundsRequest) (any, error) {
		paid, err := s.ex.WithdrawPnL(r.Context(), user, s.asset(req.Asset), req.Amount, req.Step)
		return map[string]int64{"paid": paid}, err
	})
}

// funds decodes a FundsRequest for the path address, runs op and answers
// with op's body or the account after it.
func (s *Server) funds(w http.ResponseWriter, r *http.Request, op func(common.Address, FundsRequest) (any, error)) {
	user, ok := address(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	body, err := op(user, req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if body == nil {
		acct, err := s.ex.Account(user)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		body = newAccountInfo(acct)
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleClaimFees(w http.ResponseWriter, r *http.Request) {
	user, ok := address(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	claimed, err := s.ex.ClaimFees(user)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"claimed": claimed})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	user, ok := address(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	res, err := s.ex.Liquidate(r.Context(), user, util.NowMs(s.clock))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Info("liquidation_requested",
		zap.String("user", user.Hex()),
		zap.Int64("closed_qty", res.ClosedQty),
		zap.Int64("bad_debt", res.BadDebt))
	respondJSON(w, http.StatusOK, newLiquidationInfo(res))
}

func (s *Server) handleGetInsurance(w http.ResponseWriter, r *http.Request) {
	f := s.ex.Insurance()
	respondJSON(w, http.StatusOK, InsuranceInfo{
		Balance:          f.Balance,
		TotalTopUps:      f.TotalTopUps,
		TotalPayouts:     f.TotalPayouts,
		UncoveredBadDebt: f.UncoveredBadDebt,
	})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ex.TopUpInsurance(req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	s.handleGetInsurance(w, r)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StateInfo{Hash: s.ex.StateHash().Hex()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) asset(a string) string {
	if a == "" {
		return s.ex.Router().Config().SettlementAsset
	}
	return a
}

// statusOf maps an error class to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, perp.ErrUnknownVenue),
		errors.Is(err, instrument.ErrNotFound),
		errors.Is(err, router.ErrUnknownUser):
		return http.StatusNotFound
	}
	switch errs.Kind(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Concurrency:
		return http.StatusConflict
	case errs.Economic:
		return http.StatusUnprocessableEntity
	case errs.Protocol:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.Error(err))
	}
	class := errs.Kind(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Class:     class.String(),
		Retryable: errs.Retryable(err),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func address(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", fmt.Sprintf("%q", s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
