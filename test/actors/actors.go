package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"dspconnect/catalog"
	"dspconnect/message"
	"dspconnect/negotiation"
	"dspconnect/transfer"
)

const callbackAddress = "https://consumer.example/callback"

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// transient reports whether an error is expected under contention or chaos
// and the actor should simply try again.
func transient(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func newPid() string { return "urn:uuid:" + uuid.NewString() }

// Negotiator drives full negotiations end to end: request, agreement,
// verification, finalization. Finalized agreement ids are pushed to out for
// the transfer driver.
func Negotiator(ctx context.Context, negs *negotiation.Service, datasetID string, out chan<- string, stop <-chan struct{}) error {
	for !halted(ctx, stop) {
		if err := runNegotiation(ctx, negs, datasetID, out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		pause(10, 30)
	}
	return nil
}

func runNegotiation(ctx context.Context, negs *negotiation.Service, datasetID string, out chan<- string) error {
	consumerPid := newPid()

	proc, err := negs.Submit(ctx, message.ContractRequestMessage{
		Type:            "dspace:ContractRequestMessage",
		ConsumerPid:     consumerPid,
		Offer:           message.Offer{ID: newPid(), Type: "odrl:Offer", Target: datasetID},
		CallbackAddress: callbackAddress,
	})
	if err != nil {
		if transient(err) {
			return nil
		}
		return err
	}
	providerPid := proc.ProviderPid

	agreementID := newPid()
	steps := []message.Message{
		message.ContractAgreementMessage{
			Type:        "dspace:ContractAgreementMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
			Agreement: message.Agreement{
				ID:        agreementID,
				Type:      "odrl:Agreement",
				Target:    datasetID,
				Timestamp: time.Now().UTC(),
				Assigner:  "urn:provider",
				Assignee:  consumerPid,
			},
		},
		message.ContractAgreementVerificationMessage{
			Type:        "dspace:ContractAgreementVerificationMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
		},
		message.ContractNegotiationEventMessage{
			Type:        "dspace:ContractNegotiationEventMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
			EventType:   message.EventFinalized,
		},
	}

	for _, step := range steps {
		if _, err := negs.Submit(ctx, step); err != nil {
			if transient(err) {
				// Lost race or chaos kill; abandon this negotiation.
				return nil
			}
			return err
		}
		pause(2, 8)
	}

	select {
	case out <- agreementID:
	default:
	}
	return nil
}

// Terminator creates negotiations and terminates them mid-flight, then
// checks that terminated processes absorb further messages.
func Terminator(ctx context.Context, negs *negotiation.Service, datasetID string, stop <-chan struct{}) error {
	for !halted(ctx, stop) {
		consumerPid := newPid()
		proc, err := negs.Submit(ctx, message.ContractRequestMessage{
			Type:            "dspace:ContractRequestMessage",
			ConsumerPid:     consumerPid,
			Offer:           message.Offer{ID: newPid(), Type: "odrl:Offer", Target: datasetID},
			CallbackAddress: callbackAddress,
		})
		if err != nil {
			if transient(err) {
				pause(20, 40)
				continue
			}
			return err
		}

		term := message.ContractNegotiationTerminationMessage{
			Type:        "dspace:ContractNegotiationTerminationMessage",
			ConsumerPid: consumerPid,
			ProviderPid: proc.ProviderPid,
			Code:        "stress",
		}
		if _, err := negs.Submit(ctx, term); transient(err) {
			pause(20, 40)
			continue
		} else if err != nil {
			return err
		}

		// A second termination must bounce off the terminal state.
		if _, err := negs.Submit(ctx, term); err == nil {
			return errors.New("terminated negotiation accepted another termination")
		}
		pause(50, 100)
	}
	return nil
}

// RivalVerifiers hammers one AGREED process with concurrent verifications:
// exactly one submission can win each version.
func RivalVerifiers(ctx context.Context, negs *negotiation.Service, consumerPid, providerPid string, stop <-chan struct{}) error {
	msg := message.ContractAgreementVerificationMessage{
		Type:        "dspace:ContractAgreementVerificationMessage",
		ConsumerPid: consumerPid,
		ProviderPid: providerPid,
	}
	for !halted(ctx, stop) {
		if _, err := negs.Submit(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			// ErrStoreConflict and ErrInvalidTransition are the expected
			// outcomes for every loser; anything else still must not
			// corrupt the row, which the oracles check.
		}
		pause(5, 15)
	}
	return nil
}

// TransferDriver consumes finalized agreement ids and runs transfers through
// request, start, suspension, resumption and completion.
func TransferDriver(ctx context.Context, transfers *transfer.Service, agreements <-chan string, stop <-chan struct{}) error {
	for {
		var agreementID string
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case agreementID = <-agreements:
		}

		if err := runTransfer(ctx, transfers, agreementID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func runTransfer(ctx context.Context, transfers *transfer.Service, agreementID string) error {
	consumerPid := newPid()

	proc, err := transfers.Submit(ctx, message.TransferRequestMessage{
		Type:            "dspace:TransferRequestMessage",
		ConsumerPid:     consumerPid,
		AgreementID:     agreementID,
		Format:          "HttpData",
		CallbackAddress: callbackAddress,
	})
	if err != nil {
		if transient(err) {
			return nil
		}
		return err
	}
	providerPid := proc.ProviderPid

	steps := []message.Message{
		message.TransferStartMessage{
			Type:        "dspace:TransferStartMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
			DataAddress: &message.DataAddress{EndpointType: "HttpData", Endpoint: "https://data.example/pull"},
		},
		message.TransferSuspensionMessage{
			Type:        "dspace:TransferSuspensionMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
			Code:        "stress",
		},
		message.TransferStartMessage{
			Type:        "dspace:TransferStartMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
		},
		message.TransferCompletionMessage{
			Type:        "dspace:TransferCompletionMessage",
			ConsumerPid: consumerPid,
			ProviderPid: providerPid,
		},
	}
	for _, step := range steps {
		if _, err := transfers.Submit(ctx, step); err != nil {
			if transient(err) {
				return nil
			}
			return err
		}
		pause(2, 8)
	}
	return nil
}

// CatalogWriter keeps rewriting the dataset document while negotiations
// resolve offers against it.
func CatalogWriter(ctx context.Context, cat *catalog.Service, datasetID string, stop <-chan struct{}) error {
	for !halted(ctx, stop) {
		ds := message.Dataset{
			ID:      datasetID,
			Type:    "dcat:Dataset",
			Title:   "stress dataset",
			Keyword: []string{"stress", uuid.NewString()[:8]},
			HasPolicy: []message.Offer{
				{ID: newPid(), Type: "odrl:Offer",
					Permission: []message.Permission{{Action: "use"}}},
			},
		}
		if err := cat.Upsert(ctx, ds); err != nil && !transient(err) {
			return err
		}
		pause(100, 100)
	}
	return nil
}
