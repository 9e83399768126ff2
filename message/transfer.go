package message

import (
	"encoding/json"
	"fmt"
)

// DataAddress describes the transport endpoint for a transfer, including any
// access properties the data plane needs (tokens, headers).
type DataAddress struct {
	EndpointType       string            `json:"endpointType"`
	Endpoint           string            `json:"endpoint,omitempty"`
	EndpointProperties map[string]string `json:"endpointProperties,omitempty"`
}

// TransferRequestMessage initiates a data transfer for a finalized agreement.
// Sent by the consumer.
type TransferRequestMessage struct {
	Context         json.RawMessage `json:"@context,omitempty"`
	Type            string          `json:"@type"`
	ConsumerPid     string          `json:"consumerPid"`
	ProviderPid     string          `json:"providerPid,omitempty"`
	AgreementID     string          `json:"agreementId"`
	Format          string          `json:"format,omitempty"`
	DataAddress     *DataAddress    `json:"dataAddress,omitempty"`
	CallbackAddress string          `json:"callbackAddress"`
}

func (m TransferRequestMessage) Kind() Kind { return KindTransferRequest }

func (m TransferRequestMessage) validate() error {
	if m.ConsumerPid == "" {
		return fmt.Errorf("%w: transfer request consumerPid missing", ErrMalformed)
	}
	if m.AgreementID == "" {
		return fmt.Errorf("%w: transfer request agreementId missing", ErrMalformed)
	}
	if m.CallbackAddress == "" {
		return fmt.Errorf("%w: transfer request callbackAddress missing", ErrMalformed)
	}
	return nil
}

// TransferStartMessage signals that the provider has begun the transfer,
// optionally carrying the data address for pull transfers.
type TransferStartMessage struct {
	Context     json.RawMessage `json:"@context,omitempty"`
	Type        string          `json:"@type"`
	ConsumerPid string          `json:"consumerPid"`
	ProviderPid string          `json:"providerPid"`
	DataAddress *DataAddress    `json:"dataAddress,omitempty"`
}

func (m TransferStartMessage) Kind() Kind { return KindTransferStart }

func (m TransferStartMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "transfer start")
}

// TransferCompletionMessage signals successful completion. Either party may
// send it.
type TransferCompletionMessage struct {
	Context     json.RawMessage `json:"@context,omitempty"`
	Type        string          `json:"@type"`
	ConsumerPid string          `json:"consumerPid"`
	ProviderPid string          `json:"providerPid"`
}

func (m TransferCompletionMessage) Kind() Kind { return KindTransferCompletion }

func (m TransferCompletionMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "transfer completion")
}

// TransferSuspensionMessage temporarily suspends a running transfer.
type TransferSuspensionMessage struct {
	Context     json.RawMessage   `json:"@context,omitempty"`
	Type        string            `json:"@type"`
	ConsumerPid string            `json:"consumerPid"`
	ProviderPid string            `json:"providerPid"`
	Code        string            `json:"code,omitempty"`
	Reason      []json.RawMessage `json:"reason,omitempty"`
}

func (m TransferSuspensionMessage) Kind() Kind { return KindTransferSuspension }

func (m TransferSuspensionMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "transfer suspension")
}

// TransferTerminationMessage terminates a transfer process.
type TransferTerminationMessage struct {
	Context     json.RawMessage   `json:"@context,omitempty"`
	Type        string            `json:"@type"`
	ConsumerPid string            `json:"consumerPid"`
	ProviderPid string            `json:"providerPid"`
	Code        string            `json:"code,omitempty"`
	Reason      []json.RawMessage `json:"reason,omitempty"`
}

func (m TransferTerminationMessage) Kind() Kind { return KindTransferTermination }

func (m TransferTerminationMessage) validate() error {
	return requirePids(m.ConsumerPid, m.ProviderPid, "transfer termination")
}

// TransferProcess is the process view returned after successful transitions
// and on status reads.
type TransferProcess struct {
	Context     []string `json:"@context"`
	ID          string   `json:"@id"`
	Type        string   `json:"@type"`
	ConsumerPid string   `json:"consumerPid"`
	ProviderPid string   `json:"providerPid"`
	State       string   `json:"state"`
}

// TransferError is the JSON-LD error body for transfer endpoints.
type TransferError struct {
	Context     []string `json:"@context"`
	Type        string   `json:"@type"`
	ConsumerPid string   `json:"consumerPid,omitempty"`
	ProviderPid string   `json:"providerPid,omitempty"`
	Code        string   `json:"code,omitempty"`
	Reason      []string `json:"reason,omitempty"`
}
