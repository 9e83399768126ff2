package message

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the events a ContractNegotiationEventMessage may carry.
type EventType string

const (
	EventAccepted  EventType = "ACCEPTED"
	EventFinalized EventType = "FINALIZED"
)

// ContractRequestMessage initiates a negotiation or counters a provider offer.
// Sent by the consumer. A message without a providerPid creates the process.
type ContractRequestMessage struct {
	Context         json.RawMessage `json:"@context,omitempty"`
	Type            string          `json:"@type"`
	ConsumerPid     string          `json:"consumerPid"`
	ProviderPid     string          `json:"providerPid,omitempty"`
	Offer           Offer           `json:"offer"`
	CallbackAddress string          `json:"callbackAddress"`
}

func (m ContractRequestMessage) Kind() Kind { return KindContractRequest }

func (m ContractRequestMessage) validate() error {
	if m.ConsumerPid == "" {
		return fmt.Errorf("%w: contract request consumerPid missing", ErrMalformed)
	}
	if m.CallbackAddress == "" {
		return fmt.Errorf("%w: contract request callbackAddress missing", ErrMalformed)
	}
	if m.Offer.ID == "" {
		return fmt.Errorf("%w: contract request offer missing", ErrMalformed)
	}
	return nil
}

// ContractOfferMessage carries the provider's offer or counter-offer for an
// existing negotiation.
type ContractOfferMessage struct {
	Context         json.RawMessage `json:"@context,omitempty"`
	Type            string          `json:"@type"`
	ConsumerPid     string          `json:"consumerPid"`
	ProviderPid     string          `json:"providerPid"`
	Offer           Offer           `json:"offer"`
	CallbackAddress string          `json:"callbackAddress,omitempty"`
}

func (m ContractOfferMessage) Kind() Kind { return KindContractOffer }

func (m ContractOfferMessage) validate() error {
	if err := requirePids(m.ConsumerPid, m.ProviderPid, "contract offer"); err != nil {
		return err
	}
	if m.Offer.ID == "" {
		return fmt.Errorf("%w: contract offer offer missing", ErrMalformed)
	}
	return nil
}

// ContractAgreementMessage is the provider's confirmation of the agreement.
type ContractAgreementMessage struct {
	Context         json.RawMessage `json:"@context,omitempty"`
	Type            string          `json:"@type"`
	ConsumerPid     string          `json:"consumerPid"`
	ProviderPid     string          `json:"providerPid"`
	Agreement       Agreement       `json:"agreement"`
	CallbackAddress string          `json:"callbackAddress,omitempty"`
}

func (m ContractAgreementMessage) Kind() Kind { return KindContractAgreement }

func (m ContractAgreementMessage) validate() error {
	if err := requirePids(m.ConsumerPid, m.ProviderPid, "contract agreement"); err != nil {
		return err
	}
	return m.Agreement.validate()
}

// ContractAgreementVerificationMessage is the consumer's verification of a
// received agreement.
type ContractAgreementVerificationMessage struct {
	Context     json.RawMessage `json:"@context,omitempty"`
	Type        string          `json:"@type"`
	ConsumerPid string          `json:"consumerPid"`
	ProviderPid string          `json:"providerPid"`
}

func (m ContractAgreementVerificationMessage) Kind() Kind { return KindContractVerification }

func (m ContractAgreementVerificationMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "agreement verification")
}

// ContractNegotiationEventMessage signals the ACCEPTED and FINALIZED
// transitions.
type ContractNegotiationEventMessage struct {
	Context     json.RawMessage `json:"@context,omitempty"`
	Type        string          `json:"@type"`
	ConsumerPid string          `json:"consumerPid"`
	ProviderPid string          `json:"providerPid"`
	EventType   EventType       `json:"eventType"`
}

func (m ContractNegotiationEventMessage) Kind() Kind { return KindContractEvent }

func (m ContractNegotiationEventMessage) validate() error {
	if err := requirePids(m.ConsumerPid, m.ProviderPid, "negotiation event"); err != nil {
		return err
	}
	switch m.EventType {
	case EventAccepted, EventFinalized:
		return nil
	default:
		return fmt.Errorf("%w: unknown negotiation event type %q", ErrMalformed, m.EventType)
	}
}

// ContractNegotiationTerminationMessage terminates a negotiation. Either
// party may send it.
type ContractNegotiationTerminationMessage struct {
	Context     json.RawMessage   `json:"@context,omitempty"`
	Type        string            `json:"@type"`
	ConsumerPid string            `json:"consumerPid"`
	ProviderPid string            `json:"providerPid"`
	Code        string            `json:"code,omitempty"`
	Reason      []json.RawMessage `json:"reason,omitempty"`
}

func (m ContractNegotiationTerminationMessage) Kind() Kind { return KindContractTermination }

func (m ContractNegotiationTerminationMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "negotiation termination")
}

// ContractNegotiation is the process view returned after successful
// transitions and on status reads.
type ContractNegotiation struct {
	Context     []string `json:"@context"`
	ID          string   `json:"@id"`
	Type        string   `json:"@type"`
	ConsumerPid string   `json:"consumerPid"`
	ProviderPid string   `json:"providerPid"`
	State       string   `json:"state"`
}

// ContractNegotiationError is the JSON-LD error body for negotiation
// endpoints.
type ContractNegotiationError struct {
	Context     []string `json:"@context"`
	Type        string   `json:"@type"`
	ConsumerPid string   `json:"consumerPid,omitempty"`
	ProviderPid string   `json:"providerPid,omitempty"`
	Code        string   `json:"code,omitempty"`
	Reason      []string `json:"reason,omitempty"`
}

func requirePids(consumerPid, providerPid, what string) error {
	if consumerPid == "" {
		return fmt.Errorf("%w: %s consumerPid missing", ErrMalformed, what)
	}
	if providerPid == "" {
		return fmt.Errorf("%w: %s providerPid missing", ErrMalformed, what)
	}
	return nil
}
