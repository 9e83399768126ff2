package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dspconnect/catalog"
	"dspconnect/message"
)

var (
	// ErrInvalidTransition signals a message that has no edge from the
	// process's current state. The process is left unchanged.
	ErrInvalidTransition = errors.New("negotiation: invalid transition")
	// ErrProcessNotFound is returned when no process exists for the pid.
	ErrProcessNotFound = errors.New("negotiation: process not found")
	// ErrProcessMismatch signals pid fields that do not address the process
	// consistently.
	ErrProcessMismatch = errors.New("negotiation: process id mismatch")
	// ErrStoreConflict signals a lost concurrent-write race; the caller may
	// re-fetch and resubmit.
	ErrStoreConflict = errors.New("negotiation: concurrent update conflict")
)

// Store is the durable process record store. Update applies a
// compare-and-swap on the version so concurrent transitions on one pid
// serialize to a single winner.
type Store interface {
	Get(ctx context.Context, providerPid string) (Process, error)
	GetByAgreementID(ctx context.Context, agreementID string) (Process, error)
	Insert(ctx context.Context, proc Process) (Process, error)
	Update(ctx context.Context, proc Process, expectedVersion int64) (Process, error)
}

// OfferResolver validates that an incoming offer's target names a known
// dataset. Implemented by the catalog service.
type OfferResolver interface {
	ResolveOffer(ctx context.Context, datasetID string) (message.Offer, error)
}

// Service enforces the contract negotiation state machine. It is the sole
// writer of negotiation process records.
type Service struct {
	store  Store
	offers OfferResolver
}

// NewService builds the negotiation state machine over the given store and
// offer resolver.
func NewService(store Store, offers OfferResolver) *Service {
	return &Service{store: store, offers: offers}
}

// Status returns the process for the provider pid without a consumer pid
// check, for authenticated status endpoints.
func (s *Service) Status(ctx context.Context, providerPid string) (Process, error) {
	return s.store.Get(ctx, providerPid)
}

// AgreementByID returns the process that produced the given agreement.
func (s *Service) AgreementByID(ctx context.Context, agreementID string) (Process, error) {
	return s.store.GetByAgreementID(ctx, agreementID)
}

// Submit applies one protocol message to the state machine. The state update
// and the stored offer/agreement update happen as one atomic store write; on
// any error the process is unchanged.
func (s *Service) Submit(ctx context.Context, msg message.Message) (Process, error) {
	switch m := msg.(type) {
	case message.ContractRequestMessage:
		return s.applyRequest(ctx, m)
	case message.ContractOfferMessage:
		return s.applyOffer(ctx, m)
	case message.ContractNegotiationEventMessage:
		return s.applyEvent(ctx, m)
	case message.ContractAgreementMessage:
		return s.applyAgreement(ctx, m)
	case message.ContractAgreementVerificationMessage:
		return s.applyVerification(ctx, m)
	case message.ContractNegotiationTerminationMessage:
		return s.applyTermination(ctx, m)
	default:
		return Process{}, fmt.Errorf("%w: unsupported negotiation message %q", message.ErrMalformed, msg.Kind())
	}
}

func (s *Service) applyRequest(ctx context.Context, m message.ContractRequestMessage) (Process, error) {
	if err := s.checkOffer(ctx, m.Offer); err != nil {
		return Process{}, err
	}

	if m.ProviderPid == "" {
		proc := Process{
			ConsumerPid: m.ConsumerPid,
			ProviderPid: newPid(),
			State:       StateRequested,
			Offer:       m.Offer,
		}
		return s.store.Insert(ctx, proc)
	}

	// Counter-request against a provider offer.
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateOffered {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateRequested
	proc.Offer = m.Offer
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyOffer(ctx context.Context, m message.ContractOfferMessage) (Process, error) {
	if err := s.checkOffer(ctx, m.Offer); err != nil {
		return Process{}, err
	}

	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateRequested && proc.State != StateOffered {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateOffered
	proc.Offer = m.Offer
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyEvent(ctx context.Context, m message.ContractNegotiationEventMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}

	switch m.EventType {
	case message.EventAccepted:
		if proc.State != StateOffered {
			return Process{}, transitionErr(proc.State, m.Kind())
		}
		proc.State = StateAccepted
	case message.EventFinalized:
		if proc.State != StateVerified {
			return Process{}, transitionErr(proc.State, m.Kind())
		}
		proc.State = StateFinalized
	default:
		return Process{}, fmt.Errorf("%w: unknown negotiation event type %q", message.ErrMalformed, m.EventType)
	}

	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyAgreement(ctx context.Context, m message.ContractAgreementMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateRequested && proc.State != StateAccepted {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	if m.Agreement.Target != proc.Offer.Target {
		return Process{}, fmt.Errorf("%w: agreement target %q does not match negotiated offer target %q",
			message.ErrInvalidOffer, m.Agreement.Target, proc.Offer.Target)
	}

	// The stored agreement is materialized exactly once, from the offer under
	// negotiation plus the participant ids and timestamp fixed by the
	// provider. It is immutable from here on.
	proc.State = StateAgreed
	proc.Agreement = &message.Agreement{
		ID:          m.Agreement.ID,
		Type:        "Agreement",
		Target:      proc.Offer.Target,
		Timestamp:   m.Agreement.Timestamp,
		Assigner:    m.Agreement.Assigner,
		Assignee:    m.Agreement.Assignee,
		Permission:  proc.Offer.Permission,
		Prohibition: proc.Offer.Prohibition,
		Obligation:  proc.Offer.Obligation,
	}
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyVerification(ctx context.Context, m message.ContractAgreementVerificationMessage) (Process, error) {
	proc, err := s.load(ctx, m.ConsumerPid, m.ProviderPid)
	if err != nil {
		return Process{}, err
	}
	if proc.State != StateAgreed {
		return Process{}, transitionErr(proc.State, m.Kind())
	}
	proc.State = StateVerified
	return s.store.Update(ctx, proc, proc.Version)
}

func (s *Service) applyTermination(ctx context.Context, m message.ContractNegotiationTerminationMessage) (Process, error) {
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

func (s *Service) checkOffer(ctx context.Context, offer message.Offer) error {
	if err := offer.ValidateNegotiable(); err != nil {
		return err
	}
	if s.offers == nil {
		return nil
	}
	if _, err := s.offers.ResolveOffer(ctx, offer.Target); err != nil {
		if errors.Is(err, catalog.ErrDatasetNotFound) || errors.Is(err, catalog.ErrNoPolicy) {
			return fmt.Errorf("%w: target %q does not name a negotiable dataset", message.ErrInvalidOffer, offer.Target)
		}
		// Resolver failures that say nothing about the offer keep their own
		// error kind so callers don't report a retryable outage as a bad offer.
		return fmt.Errorf("negotiation: resolve offer target: %w", err)
	}
	return nil
}

func transitionErr(from State, kind message.Kind) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, kind, from)
}

func newPid() string {
	return "urn:uuid:" + uuid.NewString()
}
