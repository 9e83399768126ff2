package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dspconnect/auth"
	"dspconnect/catalog"
	"dspconnect/logger"
	"dspconnect/message"
	"dspconnect/negotiation"
	"dspconnect/transfer"
)

// maxBodySize bounds protocol message payloads.
const maxBodySize = 1 << 20 // 1 MB

// NegotiationService drives the contract negotiation state machine.
type NegotiationService interface {
	Submit(ctx context.Context, msg message.Message) (negotiation.Process, error)
	Status(ctx context.Context, providerPid string) (negotiation.Process, error)
}

// TransferService drives the transfer process state machine.
type TransferService interface {
	Submit(ctx context.Context, msg message.Message) (transfer.Process, error)
	Status(ctx context.Context, providerPid string) (transfer.Process, error)
}

// CatalogService serves dataset documents and catalog rendering.
type CatalogService interface {
	Upsert(ctx context.Context, ds message.Dataset) error
	Dataset(ctx context.Context, id string) (message.Dataset, error)
	BuildCatalog(ctx context.Context, keyword string) (message.Catalog, error)
	Versions() message.ProtocolVersions
}

// AuthService authenticates participants.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Participant, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server is the connector's protocol endpoint layer.
type Server struct {
	negotiations NegotiationService
	transfers    TransferService
	catalogs     CatalogService
	authn        AuthService
}

// NewServer wires the endpoint layer over the connector services.
func NewServer(negotiations NegotiationService, transfers TransferService, catalogs CatalogService, authn AuthService) *Server {
	return &Server{
		negotiations: negotiations,
		transfers:    transfers,
		catalogs:     catalogs,
		authn:        authn,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/dspace-version", s.handleVersions)

	mux.HandleFunc("POST /catalog/request", s.handleCatalogRequest)
	mux.HandleFunc("GET /catalog/datasets/{id}", s.handleDataset)
	mux.HandleFunc("PUT /catalog/datasets/{id}", s.requireAuth(s.handleDatasetUpsert))

	mux.HandleFunc("GET /negotiations/{providerPid}", s.handleNegotiationStatus)
	mux.HandleFunc("POST /negotiations/request", s.negotiationEndpoint(message.KindContractRequest))
	mux.HandleFunc("POST /negotiations/{providerPid}/request", s.negotiationEndpoint(message.KindContractRequest))
	mux.HandleFunc("POST /negotiations/{providerPid}/offers", s.negotiationEndpoint(message.KindContractOffer))
	mux.HandleFunc("POST /negotiations/{providerPid}/agreement", s.negotiationEndpoint(message.KindContractAgreement))
	mux.HandleFunc("POST /negotiations/{providerPid}/agreement/verification", s.negotiationEndpoint(message.KindContractVerification))
	mux.HandleFunc("POST /negotiations/{providerPid}/events", s.negotiationEndpoint(message.KindContractEvent))
	mux.HandleFunc("POST /negotiations/{providerPid}/termination", s.negotiationEndpoint(message.KindContractTermination))

	mux.HandleFunc("GET /transfers/{providerPid}", s.handleTransferStatus)
	mux.HandleFunc("POST /transfers/request", s.transferEndpoint(message.KindTransferRequest))
	mux.HandleFunc("POST /transfers/{providerPid}/start", s.transferEndpoint(message.KindTransferStart))
	mux.HandleFunc("POST /transfers/{providerPid}/completion", s.transferEndpoint(message.KindTransferCompletion))
	mux.HandleFunc("POST /transfers/{providerPid}/suspension", s.transferEndpoint(message.KindTransferSuspension))
	mux.HandleFunc("POST /transfers/{providerPid}/termination", s.transferEndpoint(message.KindTransferTermination))

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)

	return mux
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalogs.Versions())
}

func (s *Server) handleCatalogRequest(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeBody(r)
	if err != nil {
		s.writeNegotiationError(w, "", "", err)
		return
	}
	if _, ok := msg.(message.CatalogRequestMessage); !ok {
		s.writeNegotiationError(w, "", "", wrongKind(msg.Kind(), message.KindCatalogRequest))
		return
	}

	keyword := r.URL.Query().Get("keyword")
	cat, err := s.catalogs.BuildCatalog(r.Context(), keyword)
	if err != nil {
		s.writeNegotiationError(w, "", "", err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.catalogs.Dataset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeNegotiationError(w, "", "", err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDatasetUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeNegotiationError(w, "", "", message.ErrMalformed)
		return
	}

	var ds message.Dataset
	if err := json.Unmarshal(body, &ds); err != nil {
		s.writeNegotiationError(w, "", "", message.ErrMalformed)
		return
	}
	if ds.ID == "" {
		ds.ID = r.PathValue("id")
	}
	if ds.ID != r.PathValue("id") {
		s.writeNegotiationError(w, "", "", message.ErrMalformed)
		return
	}

	if err := s.catalogs.Upsert(r.Context(), ds); err != nil {
		s.writeNegotiationError(w, "", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNegotiationStatus(w http.ResponseWriter, r *http.Request) {
	proc, err := s.negotiations.Status(r.Context(), r.PathValue("providerPid"))
	if err != nil {
		s.writeNegotiationError(w, "", r.PathValue("providerPid"), err)
		return
	}
	writeJSON(w, http.StatusOK, proc.View())
}

// negotiationEndpoint decodes one protocol message, checks it against the
// endpoint's expected kind and path pid, and submits it.
func (s *Server) negotiationEndpoint(want message.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := decodeBody(r)
		if err != nil {
			s.writeNegotiationError(w, "", r.PathValue("providerPid"), err)
			return
		}
		consumerPid, providerPid := negotiationPids(msg)
		if msg.Kind() != want {
			s.writeNegotiationError(w, consumerPid, providerPid, wrongKind(msg.Kind(), want))
			return
		}
		if pathPid := r.PathValue("providerPid"); pathPid != "" && pathPid != providerPid {
			s.writeNegotiationError(w, consumerPid, providerPid,
				negotiation.ErrProcessMismatch)
			return
		}

		start := time.Now()
		proc, err := s.negotiations.Submit(r.Context(), msg)
		if err != nil {
			s.writeNegotiationError(w, consumerPid, providerPid, err)
			return
		}

		slog.Info("negotiation transition",
			"providerPid", proc.ProviderPid, "state", proc.State, "kind", msg.Kind(),
			logger.Timed(start))

		// 201 only when this request created the process. A counter-request
		// carries a provider pid in the body and updates an existing process.
		status := http.StatusOK
		if want == message.KindContractRequest && providerPid == "" {
			status = http.StatusCreated
		}
		writeJSON(w, status, proc.View())
	}
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	proc, err := s.transfers.Status(r.Context(), r.PathValue("providerPid"))
	if err != nil {
		s.writeTransferError(w, "", r.PathValue("providerPid"), err)
		return
	}
	writeJSON(w, http.StatusOK, proc.View())
}

func (s *Server) transferEndpoint(want message.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := decodeBody(r)
		if err != nil {
			s.writeTransferError(w, "", r.PathValue("providerPid"), err)
			return
		}
		consumerPid, providerPid := transferPids(msg)
		if msg.Kind() != want {
			s.writeTransferError(w, consumerPid, providerPid, wrongKind(msg.Kind(), want))
			return
		}
		if pathPid := r.PathValue("providerPid"); pathPid != "" && pathPid != providerPid {
			s.writeTransferError(w, consumerPid, providerPid, transfer.ErrProcessMismatch)
			return
		}

		start := time.Now()
		proc, err := s.transfers.Submit(r.Context(), msg)
		if err != nil {
			s.writeTransferError(w, consumerPid, providerPid, err)
			return
		}

		slog.Info("transfer transition",
			"providerPid", proc.ProviderPid, "state", proc.State, "kind", msg.Kind(),
			logger.Timed(start))

		status := http.StatusOK
		if want == message.KindTransferRequest {
			status = http.StatusCreated
		}
		writeJSON(w, status, proc.View())
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	participant, err := s.authn.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateClientID):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakSecret):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"clientId": participant.ClientID,
		"role":     string(participant.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authn.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": result.Token,
		"role":  string(result.Participant.Role),
	})
}

// requireAuth gates control-plane write endpoints on a valid participant
// token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, _, err := s.authn.VerifyToken(token); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request) (message.Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, message.ErrMalformed
	}
	return message.Decode(body)
}

func wrongKind(got, want message.Kind) error {
	return errors.Join(message.ErrMalformed, errors.New("expected "+string(want)+", got "+string(got)))
}

// errorStatus maps a service error onto its HTTP status and protocol code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, message.ErrMalformed):
		return http.StatusBadRequest, "MALFORMED_MESSAGE"
	case errors.Is(err, message.ErrInvalidOffer):
		return http.StatusBadRequest, "INVALID_OFFER"
	case errors.Is(err, negotiation.ErrInvalidTransition),
		errors.Is(err, transfer.ErrInvalidTransition):
		return http.StatusBadRequest, "INVALID_TRANSITION"
	case errors.Is(err, transfer.ErrAgreementNotFinalized):
		return http.StatusBadRequest, "AGREEMENT_NOT_FINALIZED"
	case errors.Is(err, negotiation.ErrProcessNotFound),
		errors.Is(err, transfer.ErrProcessNotFound),
		errors.Is(err, catalog.ErrDatasetNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, transfer.ErrAgreementNotFound):
		return http.StatusNotFound, "AGREEMENT_NOT_FOUND"
	case errors.Is(err, negotiation.ErrProcessMismatch),
		errors.Is(err, transfer.ErrProcessMismatch):
		return http.StatusConflict, "PROCESS_MISMATCH"
	case errors.Is(err, negotiation.ErrStoreConflict),
		errors.Is(err, transfer.ErrStoreConflict):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (s *Server) writeNegotiationError(w http.ResponseWriter, consumerPid, providerPid string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("negotiation endpoint failure", "error", err)
	}
	writeJSON(w, status, message.ContractNegotiationError{
		Context:     []string{message.ContextURI},
		Type:        "dspace:ContractNegotiationError",
		ConsumerPid: consumerPid,
		ProviderPid: providerPid,
		Code:        code,
		Reason:      []string{err.Error()},
	})
}

func (s *Server) writeTransferError(w http.ResponseWriter, consumerPid, providerPid string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("transfer endpoint failure", "error", err)
	}
	writeJSON(w, status, message.TransferError{
		Context:     []string{message.ContextURI},
		Type:        "dspace:TransferError",
		ConsumerPid: consumerPid,
		ProviderPid: providerPid,
		Code:        code,
		Reason:      []string{err.Error()},
	})
}

func negotiationPids(msg message.Message) (consumerPid, providerPid string) {
	switch m := msg.(type) {
	case message.ContractRequestMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.ContractOfferMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.ContractAgreementMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.ContractAgreementVerificationMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.ContractNegotiationEventMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.ContractNegotiationTerminationMessage:
		return m.ConsumerPid, m.ProviderPid
	default:
		return "", ""
	}
}

func transferPids(msg message.Message) (consumerPid, providerPid string) {
	switch m := msg.(type) {
	case message.TransferRequestMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.TransferStartMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.TransferCompletionMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.TransferSuspensionMessage:
		return m.ConsumerPid, m.ProviderPid
	case message.TransferTerminationMessage:
		return m.ConsumerPid, m.ProviderPid
	default:
		return "", ""
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// newHTTPServer wraps the handler with the listener timeouts used in
// production.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
