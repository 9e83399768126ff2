package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dspconnect/message"
	"dspconnect/negotiation"
)

var (
	// ErrInvalidTransition signals a message that has no edge from the
	// process's current state. The process is left unchanged.
	ErrInvalidTransition = errors.New("transfer: invalid transition")
	// ErrProcessNotFound is returned when no process exists for the pid.
	ErrProcessNotFound = errors.New("transfer: process not found")
	// ErrProcessMismatch signals pid fields that do not address the process
	// consistently.
	ErrProcessMismatch = errors.New("transfer: process id mismatch")
	// ErrStoreConflict signals a lost concurrent-write race; the caller may
	// re-fetch and resubmit.
	ErrStoreConflict = errors.New("transfer: concurrent update conflict")
	// ErrAgreementNotFound is returned when the agreementId of a transfer
	// request resolves to no negotiation.
	ErrAgreementNotFound = errors.New("transfer: agreement not found")
	// ErrAgreementNotFinalized is returned when the referenced negotiation
	// has not reached FINALIZED.
	ErrAgreementNotFinalized = errors.New("transfer: agreement not finalized")
)

// dataTokenTTL bounds the lifetime of data-plane tokens attached on start.
const dataTokenTTL = 10 * time.Minute

// Store is the durable transfer process store, with the same
// compare-and-swap contract as the negotiation store.
type Store interface {
	Get(ctx context.Context, providerPid string) (Process, error)
	Insert(ctx context.Context, proc Process) (Process, error)
	Update(ctx context.Context, proc Process, expectedVersion int64) (Process, error)
}

// AgreementFinder resolves an agreement id to the negotiation that produced
// it. Implemented by the negotiation service.
type AgreementFinder interface {
	AgreementByID(ctx context.Context, agreementID string) (negotiation.Process, error)
}

// TokenIssuer mints short-lived data-plane access tokens for started
// transfers. Implemented by the auth service; may be nil.
type TokenIssuer interface {
	IssueDataToken(agreementID, providerPid string, ttl time.Duration) (string, error)
}

// Service enforces the transfer process state machine. It is the sole writer
// of transfer process records.
type Service struct {
	store        Store
	negotiations AgreementFinder
	tokens       TokenIssuer
}

// NewService builds the transfer state machine. tokens may be nil, in which
// case started transfers carry the provider's data address unchanged.
func NewService(store Store, negotiations AgreementFinder, tokens TokenIssuer) *Service {
	return &Service{store: store, negotiations: negotiations, tokens: tokens}
}

// Status returns the process for the provider pid without a consumer pid
// check, for authenticated status endpoints.
func (s *Service) Status(ctx context.Context, providerPid string) (Process, error) {
	return s.store.Get(ctx, providerPid)
}

// Submit applies one protocol message to the state machine.
func (s *Service) Submit(ctx context.Context, msg message.Message) (Process, error) {
	switch m := msg.(type) {
	case message.TransferRequestMessage:
		return s.applyRequest(ctx, m)
	case message.TransferStartMessage:
		return s.applyStart(ctx, m)
	case message.TransferCompletionMessage:
		return s.applyCompletion(ctx, m)
	case message.TransferSuspensionMessage:
		return s.applySuspension(ctx, m)
	case message.TransferTerminationMessage:
		return s.applyTermination(ctx, m)
	default:
		return Process{}, fmt.Errorf("%w: unsupported transfer message %q", message.ErrMalformed, msg.Kind())
	}
}

func (s *Service) applyRequest(ctx context.Context, m message.TransferRequestMessage) (Process, error) {
	neg, err := s.negotiations.AgreementByID(ctx, m.AgreementID)
	if err != nil {
		if errors.Is(err, negotiation.ErrProcessNotFound) {
			return Process{}, fmt.Errorf("%w: %s", ErrAgreementNotFound, m.AgreementID)
		}
		return Process{}, fmt.Errorf("transfer: resolve agreement: %w", err)
	}
	if neg.State != negotiation.StateFinalized {
		return Process{}, fmt.Errorf("%w: negotiation %s is %s", ErrAgreementNotFinalized, neg.ProviderPid, neg.State)
	}

	if m.ProviderPid != "" {
		// A transfer request never addresses an existing process.
		return Process{}, fmt.Errorf("%w: transfer request must not carry a providerPid", ErrProcessMismatch)
	}

	proc := Process{
		ConsumerPid: m.ConsumerPid,
		ProviderPid: newPid(),
		State:       StateRequested,
		AgreementID: m.AgreementID,
		Format:      m.Format,
		DataAddress: m.DataAddress,
	}
	return s.store.Insert(ctx, proc)
}

func (s *Service) applyStart(ctx context.Context, m message.TransferStartMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateRequested && proc.State != StateSuspended {
		return Process{}, transitionErr(proc.State, m.Kind())
	}

	proc.State = StateStarted
	if m.DataAddress != nil {
		addr := *m.DataAddress
		if s.tokens != nil {
			token, err := s.tokens.IssueDataToken(proc.AgreementID, proc.ProviderPid, dataTokenTTL)
			if err != nil {
				return Process{}, fmt.Errorf("transfer: issue data token: %w", err)
			}
			if addr.EndpointProperties == nil {
				addr.EndpointProperties = make(map[string]string, 1)
			}
			addr.EndpointProperties["authorization"] = token
		}
		proc.DataAddress = &addr
	}
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyCompletion(ctx context.Context, m message.TransferCompletionMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateStarted {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateCompleted
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applySuspension(ctx context.Context, m message.TransferSuspensionMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateStarted {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateSuspended
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyTermination(ctx context.Context, m message.TransferTerminationMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State.Terminal() {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateTerminated
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) load(ctx context.Context, consumerPid, providerPid string) (Process, error) {
	proc, err := s.store.Get(ctx, providerPid)
	if err != nil {
		return Process{}, err
	}
	if proc.ConsumerPid != consumerPid {
		return Process{}, fmt.Errorf("%w: consumerPid %q does not address process %s",
			ErrProcessMismatch, consumerPid, providerPid)
	}
	return proc, nil
}

func transitionErr(from State, kind message.Kind) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, kind, from)
}

func newPid() string {
	return "urn:uuid:" + uuid.NewString()
}
