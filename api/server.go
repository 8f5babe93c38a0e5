package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/service"
)

// SignedRequest is the body of every signed POST: the payload exactly as it
// was signed, plus the signature over it.
type SignedRequest struct {
	Payload   string               `json:"payload"`
	Signature models.SignedMessage `json:"signature"`
}

type SubmitSignatureRequest struct {
	CeremonyID string `json:"ceremony_id"`
	Witness    string `json:"witness"` // hex
}

type FaucetRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount,omitempty"`
}

type FaucetResponse struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	TxID    string `json:"tx_id"`
}

// CeremonyView is what clients see of an active ceremony. Recipient
// addresses are never included.
type CeremonyView struct {
	ID              string               `json:"id"`
	Participants    []models.Participant `json:"participants"`
	Transaction     string               `json:"transaction"` // hex
	TransactionHash string               `json:"transaction_hash"`
	Signers         []string             `json:"signers"`
	ExpiresAt       time.Time            `json:"expires_at"`
}

type CeremonyStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type ServerConfig struct {
	Port         int
	ClientOrigin string
	FaucetAmount uint64
}

// Faucet credits devnet addresses. It is nil when the coordinator runs
// against an external ledger.
type Faucet interface {
	Faucet(ctx context.Context, address string, amount uint64) (string, error)
}

type Server struct {
	cfg      ServerConfig
	svc      *service.MixingService
	hub      *Hub
	faucet   Faucet
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewServer(cfg ServerConfig, svc *service.MixingService, hub *Hub, faucet Faucet, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		hub:      hub,
		faucet:   faucet,
		gatherer: gatherer,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/queue", s.handleGetQueue).Methods(http.MethodGet)
	router.HandleFunc("/list_active_ceremonies", s.handleListActiveCeremonies).Methods(http.MethodGet)
	router.HandleFunc("/ceremony_history", s.handleGetCeremonyHistory).Methods(http.MethodGet)
	router.HandleFunc("/cancelled_ceremonies", s.handleGetCancelledCeremonies).Methods(http.MethodGet)
	router.HandleFunc("/ceremony_status", s.handleGetCeremonyStatus).Methods(http.MethodGet)
	router.HandleFunc("/blacklist", s.handleGetBlacklist).Methods(http.MethodGet)
	router.HandleFunc("/protocol_parameters", s.handleGetProtocolParameters).Methods(http.MethodGet)

	router.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	router.HandleFunc("/submit_signature", s.handleSubmitSignature).Methods(http.MethodPost)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/reset", s.handleAdminReset).Methods(http.MethodPost)
	admin.HandleFunc("/blacklist/remove", s.handleAdminRemoveBlacklist).Methods(http.MethodPost)
	admin.HandleFunc("/cancel", s.handleAdminCancel).Methods(http.MethodPost)

	if s.faucet != nil {
		router.HandleFunc("/faucet", s.handleFaucet).Methods(http.MethodPost)
	}

	router.Use(s.sweepAfterRequest)

	// these bypass the sweep middleware
	root := mux.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	root.Handle("/ws", s.hub)
	root.PathPrefix("/").Handler(router)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.ClientOrigin},
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
			http.MethodHead},
	})
	return c.Handler(root)
}

// HTTPServer returns the listening server for Handler.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// sweepAfterRequest runs the expiration sweep once the handler is done.
func (s *Server) sweepAfterRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.svc.RunIsolatedSweep(context.WithoutCancel(r.Context()))
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.svc.GetQueue(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	for i := range queue {
		queue[i].Participant = queue[i].Participant.WithoutRecipient()
	}
	respondJSON(w, http.StatusOK, queue)
}

func (s *Server) handleListActiveCeremonies(w http.ResponseWriter, r *http.Request) {
	ceremonies, err := s.svc.GetActiveCeremonies(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	views := make([]CeremonyView, len(ceremonies))
	for i, c := range ceremonies {
		views[i] = newCeremonyView(c)
	}
	respondJSON(w, http.StatusOK, views)
}

func newCeremonyView(c models.Ceremony) CeremonyView {
	view := CeremonyView{
		ID:              c.ID,
		Participants:    make([]models.Participant, len(c.Participants)),
		Transaction:     hex.EncodeToString(c.Transaction),
		TransactionHash: c.TransactionHash,
		Signers:         make([]string, len(c.Witnesses)),
		ExpiresAt:       c.ExpiresAt,
	}
	for i, p := range c.Participants {
		view.Participants[i] = p.WithoutRecipient()
	}
	for i, wt := range c.Witnesses {
		view.Signers[i] = wt.SignerCredential
	}
	return view
}

func (s *Server) handleGetCeremonyHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.GetCeremonyHistory(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetCancelledCeremonies(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.svc.GetCancelledCeremonies(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleGetCeremonyStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "ceremony id is required", Kind: string(service.KindValidation)})
		return
	}
	status, err := s.svc.GetCeremonyStatus(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CeremonyStatusResponse{ID: id, Status: status.String()})
}

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	blacklist, err := s.svc.GetBlacklist(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, blacklist)
}

func (s *Server) handleGetProtocolParameters(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.GetProtocolParameters())
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.svc.Signup(r.Context(), service.SignupRequest{
		Payload:   []byte(req.Payload),
		Signature: req.Signature,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	var req SubmitSignatureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	witness, err := hex.DecodeString(req.Witness)
	if err != nil {
		s.respondError(w, service.ErrInvalidWitness.With(err))
		return
	}
	result, err := s.svc.SubmitWitness(r.Context(), req.CeremonyID, witness)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	var req SignedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	deleted, err := s.svc.AdminResetAllState(r.Context(), adminRequest(req))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleAdminRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	var req SignedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.AdminRemoveBlacklistEntry(r.Context(), adminRequest(req)); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var req SignedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := s.svc.AdminCancelCeremony(r.Context(), adminRequest(req))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == 0 || req.Amount > s.cfg.FaucetAmount {
		req.Amount = s.cfg.FaucetAmount
	}

	txID, err := s.faucet.Faucet(r.Context(), req.Address, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidAddress), errors.Is(err, ledger.ErrInvalidFaucetValue):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(service.KindValidation)})
		return
	case err != nil:
		s.log.Error().Err(err).Str("address", req.Address).Msg("faucet payout failed")
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: string(service.KindInternal)})
		return
	}
	respondJSON(w, http.StatusOK, FaucetResponse{Address: req.Address, Amount: req.Amount, TxID: txID})
}

func adminRequest(req SignedRequest) service.AdminRequest {
	return service.AdminRequest{Payload: []byte(req.Payload), Signature: req.Signature}
}

// StatusCode maps a service error kind to its HTTP status.
func StatusCode(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindCrypto:
		return http.StatusBadRequest
	case service.KindConflict, service.KindNotReady:
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindAdminAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := service.KindOf(err)
	status := StatusCode(kind)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Kind: string(service.KindValidation)})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
