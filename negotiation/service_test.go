package negotiation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"dspconnect/catalog"
	"dspconnect/message"
)

// fakeStore is an in-memory Store with the same compare-and-swap contract as
// the PostgreSQL implementation.
type fakeStore struct {
	mu    sync.Mutex
	procs map[string]Process

	// getBarrier, when set, holds every Get until all expected readers have
	// arrived, forcing concurrent submits to race on the same version.
	getBarrier *sync.WaitGroup
}

func newFakeStore() *fakeStore {
	return &fakeStore{procs: make(map[string]Process)}
}

func (f *fakeStore) Get(_ context.Context, providerPid string) (Process, error) {
	f.mu.Lock()
	proc, ok := f.procs[providerPid]
	f.mu.Unlock()
	if f.getBarrier != nil {
		f.getBarrier.Done()
		f.getBarrier.Wait()
	}
	if !ok {
		return Process{}, ErrProcessNotFound
	}
	return proc, nil
}

func (f *fakeStore) GetByAgreementID(_ context.Context, agreementID string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, proc := range f.procs {
		if proc.Agreement != nil && proc.Agreement.ID == agreementID {
			return proc, nil
		}
	}
	return Process{}, ErrProcessNotFound
}

func (f *fakeStore) Insert(_ context.Context, proc Process) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[proc.ProviderPid]; ok {
		return Process{}, ErrStoreConflict
	}
	now := time.Now().UTC()
	proc.Version = 1
	proc.CreatedAt = now
	proc.UpdatedAt = now
	f.procs[proc.ProviderPid] = proc
	return proc, nil
}

func (f *fakeStore) Update(_ context.Context, proc Process, expectedVersion int64) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.procs[proc.ProviderPid]
	if !ok {
		return Process{}, ErrProcessNotFound
	}
	if current.Version != expectedVersion {
		return Process{}, ErrStoreConflict
	}
	proc.Version = expectedVersion + 1
	proc.UpdatedAt = time.Now().UTC()
	f.procs[proc.ProviderPid] = proc
	return proc, nil
}

func (f *fakeStore) snapshot(providerPid string) Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[providerPid]
}

// stubResolver resolves every dataset id except those listed as missing.
// A non-nil err makes every resolution fail with that error.
type stubResolver struct {
	missing map[string]bool
	err     error
}

func (r *stubResolver) ResolveOffer(_ context.Context, datasetID string) (message.Offer, error) {
	if r.err != nil {
		return message.Offer{}, r.err
	}
	if r.missing[datasetID] {
		return message.Offer{}, catalog.ErrDatasetNotFound
	}
	return message.Offer{ID: "urn:uuid:policy-" + datasetID, Target: datasetID}, nil
}

func requestMessage(consumerPid, providerPid, target string) message.ContractRequestMessage {
	return message.ContractRequestMessage{
		Type:            "dspace:ContractRequestMessage",
		ConsumerPid:     consumerPid,
		ProviderPid:     providerPid,
		Offer:           message.Offer{ID: "urn:uuid:offer-1", Target: target},
		CallbackAddress: "https://consumer.example/callback",
	}
}

func TestSubmit_HappyPathToFinalized(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("contract request: %v", err)
	}
	if proc.State != StateRequested {
		t.Fatalf("expected REQUESTED, got %s", proc.State)
	}
	if proc.ProviderPid == "" {
		t.Fatalf("expected provider pid to be assigned")
	}

	pid := proc.ProviderPid
	steps := []struct {
		msg  message.Message
		want State
	}{
		{message.ContractOfferMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			Offer: message.Offer{ID: "urn:uuid:offer-2", Target: "urn:uuid:D1"}}, StateOffered},
		{message.ContractNegotiationEventMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			EventType: message.EventAccepted}, StateAccepted},
		{message.ContractAgreementMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			Agreement: message.Agreement{ID: "urn:uuid:agr-1", Target: "urn:uuid:D1",
				Timestamp: time.Now().UTC(), Assigner: "urn:provider", Assignee: "urn:consumer"}}, StateAgreed},
		{message.ContractAgreementVerificationMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid}, StateVerified},
		{message.ContractNegotiationEventMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			EventType: message.EventFinalized}, StateFinalized},
	}

	for _, step := range steps {
		proc, err = svc.Submit(ctx, step.msg)
		if err != nil {
			t.Fatalf("submit %T: %v", step.msg, err)
		}
		if proc.State != step.want {
			t.Fatalf("expected state %s after %T, got %s", step.want, step.msg, proc.State)
		}
	}

	if proc.Agreement == nil || proc.Agreement.Target != "urn:uuid:D1" {
		t.Fatalf("expected materialized agreement with target D1, got %+v", proc.Agreement)
	}
	if proc.Agreement.Assigner != "urn:provider" || proc.Agreement.Assignee != "urn:consumer" {
		t.Fatalf("unexpected agreement participants: %+v", proc.Agreement)
	}

	// FINALIZED is absorbing: every further message is rejected.
	after := []message.Message{
		message.ContractOfferMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			Offer: message.Offer{ID: "urn:uuid:offer-3", Target: "urn:uuid:D1"}},
		message.ContractNegotiationTerminationMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid},
		message.ContractNegotiationEventMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
			EventType: message.EventAccepted},
	}
	for _, msg := range after {
		if _, err := svc.Submit(ctx, msg); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%T after FINALIZED: expected ErrInvalidTransition, got %v", msg, err)
		}
	}
}

func TestSubmit_CounterRequestFromOffered(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("initial request: %v", err)
	}
	pid := proc.ProviderPid

	if _, err := svc.Submit(ctx, message.ContractOfferMessage{
		ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
		Offer: message.Offer{ID: "urn:uuid:offer-2", Target: "urn:uuid:D1"},
	}); err != nil {
		t.Fatalf("provider offer: %v", err)
	}

	proc, err = svc.Submit(ctx, requestMessage("urn:uuid:c1", pid, "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("counter request: %v", err)
	}
	if proc.State != StateRequested {
		t.Fatalf("expected REQUESTED after counter request, got %s", proc.State)
	}
	if proc.Offer.ID != "urn:uuid:offer-1" {
		t.Fatalf("expected counter offer to replace provider offer, got %s", proc.Offer.ID)
	}
}

func TestSubmit_AgreedFromRequested(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	proc, err = svc.Submit(ctx, message.ContractAgreementMessage{
		ConsumerPid: "urn:uuid:c1", ProviderPid: proc.ProviderPid,
		Agreement: message.Agreement{ID: "urn:uuid:agr-1", Target: "urn:uuid:D1",
			Timestamp: time.Now().UTC(), Assigner: "urn:provider", Assignee: "urn:consumer"},
	})
	if err != nil {
		t.Fatalf("agreement from REQUESTED: %v", err)
	}
	if proc.State != StateAgreed {
		t.Fatalf("expected AGREED, got %s", proc.State)
	}
}

func TestSubmit_InvalidTransitionLeavesProcessUnchanged(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	pid := proc.ProviderPid
	before := store.snapshot(pid)

	bad := []message.Message{
		// verification needs AGREED
		message.ContractAgreementVerificationMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid},
		// ACCEPTED event needs OFFERED
		message.ContractNegotiationEventMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid, EventType: message.EventAccepted},
		// FINALIZED event needs VERIFIED
		message.ContractNegotiationEventMessage{ConsumerPid: "urn:uuid:c1", ProviderPid: pid, EventType: message.EventFinalized},
		// counter-request needs OFFERED
		requestMessage("urn:uuid:c1", pid, "urn:uuid:D1"),
	}

	for _, msg := range bad {
		if _, err := svc.Submit(ctx, msg); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%T: expected ErrInvalidTransition, got %v", msg, err)
		}
		if got := store.snapshot(pid); !reflect.DeepEqual(got, before) {
			t.Fatalf("%T: rejected transition mutated the stored process: %+v != %+v", msg, got, before)
		}
	}
}

func TestSubmit_ProcessMismatchAndNotFound(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	_, err = svc.Submit(ctx, message.ContractNegotiationTerminationMessage{
		ConsumerPid: "urn:uuid:someone-else", ProviderPid: proc.ProviderPid,
	})
	if !errors.Is(err, ErrProcessMismatch) {
		t.Fatalf("expected ErrProcessMismatch, got %v", err)
	}

	_, err = svc.Submit(ctx, message.ContractNegotiationTerminationMessage{
		ConsumerPid: "urn:uuid:c1", ProviderPid: "urn:uuid:unknown",
	})
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestSubmit_OfferValidation(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{missing: map[string]bool{"urn:uuid:ghost": true}})
	ctx := context.Background()

	// Offer without a target violates the target-presence rule.
	msg := requestMessage("urn:uuid:c1", "", "")
	if _, err := svc.Submit(ctx, msg); !errors.Is(err, message.ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for missing target, got %v", err)
	}

	// Target naming no known dataset is rejected the same way.
	if _, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:ghost")); !errors.Is(err, message.ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for unknown dataset, got %v", err)
	}

	if len(store.procs) != 0 {
		t.Fatalf("expected no process to be created, got %d", len(store.procs))
	}
}

func TestSubmit_ResolverOutageIsNotInvalidOffer(t *testing.T) {
	store := newFakeStore()
	outage := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	svc := NewService(store, &stubResolver{err: outage})
	ctx := context.Background()

	_, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err == nil {
		t.Fatalf("expected submit to fail while the resolver is down")
	}
	if errors.Is(err, message.ErrInvalidOffer) {
		t.Fatalf("resolver outage must not be reported as an invalid offer: %v", err)
	}
	if !errors.Is(err, outage) {
		t.Fatalf("expected the resolver error to be wrapped, got %v", err)
	}
	if len(store.procs) != 0 {
		t.Fatalf("expected no process to be created, got %d", len(store.procs))
	}
}

func TestSubmit_AgreementTargetMustMatchOffer(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	_, err = svc.Submit(ctx, message.ContractAgreementMessage{
		ConsumerPid: "urn:uuid:c1", ProviderPid: proc.ProviderPid,
		Agreement: message.Agreement{ID: "urn:uuid:agr-1", Target: "urn:uuid:D2",
			Timestamp: time.Now().UTC(), Assigner: "urn:provider", Assignee: "urn:consumer"},
	})
	if !errors.Is(err, message.ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for target mismatch, got %v", err)
	}
}

func TestSubmit_TerminationFromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()
	for _, state := range []State{StateRequested, StateOffered, StateAccepted, StateAgreed, StateVerified} {
		store := newFakeStore()
		svc := NewService(store, &stubResolver{})
		store.procs["urn:uuid:p1"] = Process{
			ConsumerPid: "urn:uuid:c1", ProviderPid: "urn:uuid:p1", State: state, Version: 1,
		}

		proc, err := svc.Submit(ctx, message.ContractNegotiationTerminationMessage{
			ConsumerPid: "urn:uuid:c1", ProviderPid: "urn:uuid:p1", Code: "cancelled",
		})
		if err != nil {
			t.Fatalf("termination from %s: %v", state, err)
		}
		if proc.State != StateTerminated {
			t.Fatalf("expected TERMINATED from %s, got %s", state, proc.State)
		}
	}
}

func TestSubmit_ConcurrentSameProcessOneWinner(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &stubResolver{})
	ctx := context.Background()

	proc, err := svc.Submit(ctx, requestMessage("urn:uuid:c1", "", "urn:uuid:D1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	pid := proc.ProviderPid

	// Hold both submits at the read so they race on the same version.
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	store.getBarrier = barrier

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := svc.Submit(ctx, message.ContractOfferMessage{
				ConsumerPid: "urn:uuid:c1", ProviderPid: pid,
				Offer: message.Offer{ID: fmt.Sprintf("urn:uuid:offer-%d", n), Target: "urn:uuid:D1"},
			})
			results <- err
		}(i)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrStoreConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}

	store.getBarrier = nil
	if got := store.snapshot(pid); got.State != StateOffered || got.Version != 2 {
		t.Fatalf("expected single applied transition, got state=%s version=%d", got.State, got.Version)
	}
}
