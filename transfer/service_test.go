package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dspconnect/message"
	"dspconnect/negotiation"
)

type fakeStore struct {
	mu    sync.Mutex
	procs map[string]Process
}

func newFakeStore() *fakeStore {
	return &fakeStore{procs: make(map[string]Process)}
}

func (f *fakeStore) Get(_ context.Context, providerPid string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proc, ok := f.procs[providerPid]
	if !ok {
		return Process{}, ErrProcessNotFound
	}
	return proc, nil
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

// fakeNegotiations serves agreements by id with a configurable state.
type fakeNegotiations struct {
	procs map[string]negotiation.Process
}

func (f *fakeNegotiations) AgreementByID(_ context.Context, agreementID string) (negotiation.Process, error) {
	proc, ok := f.procs[agreementID]
	if !ok {
		return negotiation.Process{}, negotiation.ErrProcessNotFound
	}
	return proc, nil
}

type fakeIssuer struct {
	token string
	calls int
}

func (f *fakeIssuer) IssueDataToken(agreementID, providerPid string, ttl time.Duration) (string, error) {
	f.calls++
	return f.token, nil
}

func finalizedNegotiation(agreementID string) negotiation.Process {
	return negotiation.Process{
		ConsumerPid: "urn:uuid:nc1",
		ProviderPid: "urn:uuid:np1",
		State:       negotiation.StateFinalized,
		Agreement: &message.Agreement{
			ID: agreementID, Target: "urn:uuid:D1",
			Timestamp: time.Now().UTC(), Assigner: "urn:provider", Assignee: "urn:consumer",
		},
	}
}

func transferRequest(agreementID string) message.TransferRequestMessage {
	return message.TransferRequestMessage{
		Type:            "dspace:TransferRequestMessage",
		ConsumerPid:     "urn:uuid:tc1",
		AgreementID:     agreementID,
		Format:          "application/json",
		CallbackAddress: "https://consumer.example/callback",
	}
}

func TestSubmit_RequestRequiresFinalizedAgreement(t *testing.T) {
	store := newFakeStore()
	negs := &fakeNegotiations{procs: map[string]negotiation.Process{
		"urn:uuid:agr-final": finalizedNegotiation("urn:uuid:agr-final"),
	}}
	pending := finalizedNegotiation("urn:uuid:agr-pending")
	pending.State = negotiation.StateVerified
	negs.procs["urn:uuid:agr-pending"] = pending

	svc := NewService(store, negs, nil)
	ctx := context.Background()

	proc, err := svc.Submit(ctx, transferRequest("urn:uuid:agr-final"))
	if err != nil {
		t.Fatalf("transfer request: %v", err)
	}
	if proc.State != StateRequested || proc.AgreementID != "urn:uuid:agr-final" {
		t.Fatalf("unexpected process: %+v", proc)
	}

	if _, err := svc.Submit(ctx, transferRequest("urn:uuid:agr-pending")); !errors.Is(err, ErrAgreementNotFinalized) {
		t.Fatalf("expected ErrAgreementNotFinalized, got %v", err)
	}
	if _, err := svc.Submit(ctx, transferRequest("urn:uuid:agr-missing")); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("expected ErrAgreementNotFound, got %v", err)
	}
}

func TestSubmit_LifecycleStartSuspendResumeComplete(t *testing.T) {
	store := newFakeStore()
	negs := &fakeNegotiations{procs: map[string]negotiation.Process{
		"urn:uuid:agr-1": finalizedNegotiation("urn:uuid:agr-1"),
	}}
	issuer := &fakeIssuer{token: "data-token"}
	svc := NewService(store, negs, issuer)
	ctx := context.Background()

	proc, err := svc.Submit(ctx, transferRequest("urn:uuid:agr-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	pid := proc.ProviderPid
	pair := func() (string, string) { return "urn:uuid:tc1", pid }

	cPid, pPid := pair()
	proc, err = svc.Submit(ctx, message.TransferStartMessage{
		ConsumerPid: cPid, ProviderPid: pPid,
		DataAddress: &message.DataAddress{EndpointType: "HttpData", Endpoint: "https://data.example/D1"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.State != StateStarted {
		t.Fatalf("expected STARTED, got %s", proc.State)
	}
	if proc.DataAddress == nil || proc.DataAddress.EndpointProperties["authorization"] != "data-token" {
		t.Fatalf("expected data token on started address, got %+v", proc.DataAddress)
	}
	if issuer.calls != 1 {
		t.Fatalf("expected one token issue, got %d", issuer.calls)
	}

	proc, err = svc.Submit(ctx, message.TransferSuspensionMessage{ConsumerPid: cPid, ProviderPid: pPid, Code: "maintenance"})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if proc.State != StateSuspended {
		t.Fatalf("expected SUSPENDED, got %s", proc.State)
	}

	// SUSPENDED → STARTED is the resume edge.
	proc, err = svc.Submit(ctx, message.TransferStartMessage{ConsumerPid: cPid, ProviderPid: pPid})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if proc.State != StateStarted {
		t.Fatalf("expected STARTED after resume, got %s", proc.State)
	}

	proc, err = svc.Submit(ctx, message.TransferCompletionMessage{ConsumerPid: cPid, ProviderPid: pPid})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if proc.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", proc.State)
	}

	// COMPLETED is terminal.
	if _, err := svc.Submit(ctx, message.TransferStartMessage{ConsumerPid: cPid, ProviderPid: pPid}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start after COMPLETED: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Submit(ctx, message.TransferTerminationMessage{ConsumerPid: cPid, ProviderPid: pPid}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminate after COMPLETED: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmit_InvalidEdges(t *testing.T) {
	store := newFakeStore()
	negs := &fakeNegotiations{procs: map[string]negotiation.Process{
		"urn:uuid:agr-1": finalizedNegotiation("urn:uuid:agr-1"),
	}}
	svc := NewService(store, negs, nil)
	ctx := context.Background()

	proc, err := svc.Submit(ctx, transferRequest("urn:uuid:agr-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	pid := proc.ProviderPid

	// Completion and suspension both need STARTED.
	if _, err := svc.Submit(ctx, message.TransferCompletionMessage{ConsumerPid: "urn:uuid:tc1", ProviderPid: pid}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completion from REQUESTED: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Submit(ctx, message.TransferSuspensionMessage{ConsumerPid: "urn:uuid:tc1", ProviderPid: pid}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("suspension from REQUESTED: expected ErrInvalidTransition, got %v", err)
	}

	// Wrong consumer pid is a mismatch, unknown provider pid is not found.
	if _, err := svc.Submit(ctx, message.TransferStartMessage{ConsumerPid: "urn:uuid:other", ProviderPid: pid}); !errors.Is(err, ErrProcessMismatch) {
		t.Fatalf("expected ErrProcessMismatch, got %v", err)
	}
	if _, err := svc.Submit(ctx, message.TransferStartMessage{ConsumerPid: "urn:uuid:tc1", ProviderPid: "urn:uuid:ghost"}); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestSubmit_TerminationFromNonTerminalStates(t *testing.T) {
	ctx := context.Background()
	for _, state := range []State{StateRequested, StateStarted, StateSuspended} {
		store := newFakeStore()
		store.procs["urn:uuid:p1"] = Process{
			ConsumerPid: "urn:uuid:c1", ProviderPid: "urn:uuid:p1",
			State: state, AgreementID: "urn:uuid:agr-1", Version: 1,
		}
		svc := NewService(store, &fakeNegotiations{}, nil)

		proc, err := svc.Submit(ctx, message.TransferTerminationMessage{
			ConsumerPid: "urn:uuid:c1", ProviderPid: "urn:uuid:p1", Code: "error",
		})
		if err != nil {
			t.Fatalf("termination from %s: %v", state, err)
		}
		if proc.State != StateTerminated {
			t.Fatalf("expected TERMINATED from %s, got %s", state, proc.State)
		}
	}
}
