package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ChitFund/internal/core"
	"ChitFund/internal/event"
	"ChitFund/internal/ledger"
	"ChitFund/internal/observability"
	"ChitFund/internal/query"
	"ChitFund/internal/state"
)

// Server exposes the fund operations and read API over HTTP/JSON.
// Operation status reads come from the engine (always current); the event
// history comes from the query service (projection freshness applies).
type Server struct {
	engine   *core.Engine
	queries  *query.Service
	health   *observability.HealthChecker
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func New(
	engine *core.Engine,
	queries *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		engine:   engine,
		queries:  queries,
		health:   health,
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/funds", s.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/funds/{asset}", s.handleGetFund).Methods(http.MethodGet)
	api.HandleFunc("/funds/{asset}/projected", s.handleGetFundProjected).Methods(http.MethodGet)
	api.HandleFunc("/funds/{asset}/participants", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/funds/{asset}/contributions", s.handleContribute).Methods(http.MethodPost)
	api.HandleFunc("/funds/{asset}/disbursements", s.handleDisburse).Methods(http.MethodPost)
	api.HandleFunc("/funds/{asset}/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/funds/{asset}/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/participants/{owner}", s.handleGetParticipant).Methods(http.MethodGet)
	api.HandleFunc("/participants/{owner}/projected", s.handleGetParticipantProjected).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{owner}/deposits", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{owner}/balances/{asset}", s.handleGetBalance).Methods(http.MethodGet)

	if s.health != nil {
		r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
	}

	r.Use(s.instrument)
	return r
}

type initializeRequest struct {
	Creator               string  `json:"creator" validate:"required,uuid4"`
	Asset                 string  `json:"asset" validate:"required,alphanum,min=2,max=16"`
	ContributionAmount    int64   `json:"contribution_amount" validate:"required,gt=0"`
	CycleDurationSeconds  int64   `json:"cycle_duration_seconds" validate:"required,gt=0"`
	TotalCycles           uint8   `json:"total_cycles" validate:"required,gt=0"`
	CollateralRequirement int64   `json:"collateral_requirement" validate:"required,gt=0"`
	MaxParticipants       uint8   `json:"max_participants" validate:"required,gt=0"`
	DisbursementSchedule  []int64 `json:"disbursement_schedule" validate:"required,min=1"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !s.decode(w, r, &req) {
		return
	}

	creator, err := uuid.Parse(req.Creator)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid creator id")
		return
	}

	out, err := s.engine.InitializeFund(creator, state.Config{
		Asset:                 req.Asset,
		ContributionAmount:    req.ContributionAmount,
		CycleDuration:         time.Duration(req.CycleDurationSeconds) * time.Second,
		TotalCycles:           req.TotalCycles,
		CollateralRequirement: req.CollateralRequirement,
		MaxParticipants:       req.MaxParticipants,
		DisbursementSchedule:  req.DisbursementSchedule,
	})
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, operationResponse(out))
}

type ownerRequest struct {
	Owner string `json:"owner" validate:"required,uuid4"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	s.ownerOperation(w, r, s.engine.Join)
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	s.ownerOperation(w, r, s.engine.Contribute)
}

func (s *Server) handleDisburse(w http.ResponseWriter, r *http.Request) {
	s.ownerOperation(w, r, s.engine.Disburse)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.ownerOperation(w, r, s.engine.Withdraw)
}

// ownerOperation handles the shared shape of join/contribute/disburse/withdraw:
// an asset in the path, an owner in the body.
func (s *Server) ownerOperation(w http.ResponseWriter, r *http.Request,
	op func(uuid.UUID, string) (*core.Output, error)) {

	asset := mux.Vars(r)["asset"]

	var req ownerRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	out, err := op(owner, asset)
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, operationResponse(out))
}

type depositRequest struct {
	Asset  string `json:"asset" validate:"required,alphanum,min=2,max=16"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	owner, err := uuid.Parse(mux.Vars(r)["owner"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}

	out, err := s.engine.CreditAccount(owner, req.Asset, req.Amount)
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, operationResponse(out))
}

func (s *Server) handleGetFund(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]

	fund, err := s.engine.FundStatus(asset)
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	resp := fundResponse(&fund)
	if contribution, collateral, err := s.engine.PoolBalances(asset); err == nil {
		resp["contribution_pool_balance"] = contribution
		resp["collateral_pool_balance"] = collateral
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetFundProjected serves the fund row as the projections have it,
// with the as_of_sequence watermark. The un-suffixed route reads the live
// engine instead.
func (s *Server) handleGetFundProjected(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		respondError(w, http.StatusServiceUnavailable, "projections unavailable")
		return
	}

	fund, err := s.queries.GetFund(r.Context(), mux.Vars(r)["asset"])
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("fund projection query failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, fund)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	owner, err := uuid.Parse(mux.Vars(r)["owner"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	participant, err := s.engine.ParticipantStatus(owner)
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, participantResponse(&participant))
}

func (s *Server) handleGetParticipantProjected(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		respondError(w, http.StatusServiceUnavailable, "projections unavailable")
		return
	}

	owner, err := uuid.Parse(mux.Vars(r)["owner"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	participant, err := s.queries.GetParticipant(r.Context(), owner)
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("participant projection query failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, participant)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, err := uuid.Parse(vars["owner"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"asset":   vars["asset"],
		"balance": s.engine.Balance(owner, vars["asset"]),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType != "" && event.ParseEventType(eventType) == event.EventTypeUnknown {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	if s.queries == nil {
		respondError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}

	asset := mux.Vars(r)["asset"]
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := s.queries.ListEvents(r.Context(), asset, eventType, after, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("event history query failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// decode parses and validates a JSON request body
func (s *Server) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondOpError maps engine errors onto HTTP status codes
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	switch {
	// Configuration errors
	case errors.Is(err, state.ErrTooManyCycles),
		errors.Is(err, state.ErrZeroCycles),
		errors.Is(err, state.ErrCycleDurationTooShort),
		errors.Is(err, state.ErrTooManyParticipants),
		errors.Is(err, state.ErrZeroParticipants),
		errors.Is(err, state.ErrBadContribution),
		errors.Is(err, state.ErrBadCollateral),
		errors.Is(err, state.ErrBadSchedule),
		errors.Is(err, ledger.ErrNonPositiveAmount):
		respondError(w, http.StatusBadRequest, err.Error())

	// Authorization errors
	case errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, core.ErrBorrowerMismatch):
		respondError(w, http.StatusForbidden, err.Error())

	// Missing records
	case errors.Is(err, state.ErrFundNotFound),
		errors.Is(err, state.ErrParticipantNotFound),
		errors.Is(err, query.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())

	// Resource errors
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, err.Error())

	// State, idempotency, and consistency violations
	case errors.Is(err, state.ErrFundExists),
		errors.Is(err, state.ErrParticipantExists),
		errors.Is(err, core.ErrFundInactive),
		errors.Is(err, core.ErrFundActive),
		errors.Is(err, core.ErrCycleNotComplete),
		errors.Is(err, core.ErrContributionAlreadyMade),
		errors.Is(err, core.ErrAlreadyBorrowed),
		errors.Is(err, core.ErrCollateralAlreadyWithdrawn),
		errors.Is(err, core.ErrMaxParticipantsReached),
		errors.Is(err, core.ErrNoEligibleBorrowers),
		errors.Is(err, core.ErrNoParticipants),
		errors.Is(err, core.ErrWrongFund),
		errors.Is(err, core.ErrWithdrawBeforeBorrowing),
		errors.Is(err, ledger.ErrAssetMismatch):
		respondError(w, http.StatusConflict, err.Error())

	default:
		s.logger.Error().Err(err).Msg("unexpected operation error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// instrument records request metrics per route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func operationResponse(out *core.Output) map[string]interface{} {
	resp := map[string]interface{}{
		"sequence":   out.Envelope.Sequence,
		"event_id":   out.Envelope.EventID,
		"event_type": out.Envelope.EventType.String(),
		"asset":      out.Envelope.Asset,
		"timestamp":  out.Envelope.Timestamp,
		"event":      out.Event,
	}
	if out.Fund != nil {
		resp["fund"] = fundResponse(out.Fund)
	}
	if out.Participant != nil {
		resp["participant"] = participantResponse(out.Participant)
	}
	return resp
}

func fundResponse(f *state.Fund) map[string]interface{} {
	return map[string]interface{}{
		"asset":                     f.Config.Asset,
		"creator":                   f.Creator,
		"contribution_amount":       f.Config.ContributionAmount,
		"cycle_duration_seconds":    int64(f.Config.CycleDuration.Seconds()),
		"total_cycles":              f.Config.TotalCycles,
		"collateral_requirement":    f.Config.CollateralRequirement,
		"max_participants":          f.Config.MaxParticipants,
		"disbursement_schedule":     f.Config.DisbursementSchedule,
		"current_cycle":             f.CurrentCycle,
		"is_active":                 f.IsActive,
		"last_disbursement_time":    f.LastDisbursementTime,
		"participants":              f.Participants,
		"borrowed":                  f.Borrowed,
		"total_contribution_amount": f.TotalContributionAmount,
		"created_at":                f.CreatedAt,
	}
}

func participantResponse(p *state.Participant) map[string]interface{} {
	resp := map[string]interface{}{
		"owner":                  p.Owner,
		"has_borrowed":           p.HasBorrowed,
		"contributions":          p.Contributions,
		"join_time":              p.JoinTime,
		"last_contribution_time": p.LastContributionTime,
		"total_contributed":      p.TotalContributed,
		"collateral_released":    p.CollateralReleased,
	}
	if name, ok := ledger.GetAssetName(p.AssetID); ok {
		resp["asset"] = name
	}
	if p.BorrowedCycle != nil {
		resp["borrowed_cycle"] = *p.BorrowedCycle
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
