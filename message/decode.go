// Package message defines the typed catalog of Dataspace Protocol messages
// and decodes raw JSON-LD payloads into them. Decoding is strict: a payload
// either maps onto exactly one known message shape or fails with ErrMalformed.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed signals a payload that does not decode into any known message:
// missing required field, wrong @type discriminator, or invalid enum value.
var ErrMalformed = errors.New("message: malformed message")

// Kind discriminates the closed set of protocol messages.
type Kind string

const (
	KindContractRequest      Kind = "ContractRequestMessage"
	KindContractOffer        Kind = "ContractOfferMessage"
	KindContractAgreement    Kind = "ContractAgreementMessage"
	KindContractVerification Kind = "ContractAgreementVerificationMessage"
	KindContractEvent        Kind = "ContractNegotiationEventMessage"
	KindContractTermination  Kind = "ContractNegotiationTerminationMessage"
	KindTransferRequest      Kind = "TransferRequestMessage"
	KindTransferStart        Kind = "TransferStartMessage"
	KindTransferCompletion   Kind = "TransferCompletionMessage"
	KindTransferSuspension   Kind = "TransferSuspensionMessage"
	KindTransferTermination  Kind = "TransferTerminationMessage"
	KindCatalogRequest       Kind = "CatalogRequestMessage"
	KindDatasetRequest       Kind = "DatasetRequestMessage"
)

// Message is one decoded protocol message.
type Message interface {
	Kind() Kind
}

type validator interface {
	validate() error
}

type envelope struct {
	Type string `json:"@type"`
}

// Decode parses a raw payload into its typed message based on the @type
// discriminator. A "dspace:" prefix on the discriminator is accepted and
// stripped; field names follow the compacted-context form.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing @type discriminator", ErrMalformed)
	}

	var msg Message
	switch Kind(strings.TrimPrefix(env.Type, "dspace:")) {
	case KindContractRequest:
		msg = decodeInto[ContractRequestMessage](raw)
	case KindContractOffer:
		msg = decodeInto[ContractOfferMessage](raw)
	case KindContractAgreement:
		msg = decodeInto[ContractAgreementMessage](raw)
	case KindContractVerification:
		msg = decodeInto[ContractAgreementVerificationMessage](raw)
	case KindContractEvent:
		msg = decodeInto[ContractNegotiationEventMessage](raw)
	case KindContractTermination:
		msg = decodeInto[ContractNegotiationTerminationMessage](raw)
	case KindTransferRequest:
		msg = decodeInto[TransferRequestMessage](raw)
	case KindTransferStart:
		msg = decodeInto[TransferStartMessage](raw)
	case KindTransferCompletion:
		msg = decodeInto[TransferCompletionMessage](raw)
	case KindTransferSuspension:
		msg = decodeInto[TransferSuspensionMessage](raw)
	case KindTransferTermination:
		msg = decodeInto[TransferTerminationMessage](raw)
	case KindCatalogRequest:
		msg = decodeInto[CatalogRequestMessage](raw)
	case KindDatasetRequest:
		msg = decodeInto[DatasetRequestMessage](raw)
	default:
		return nil, fmt.Errorf("%w: unknown @type %q", ErrMalformed, env.Type)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: body does not match %s", ErrMalformed, env.Type)
	}

	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func decodeInto[T Message](raw []byte) Message {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func errMissing(what string) error {
	return fmt.Errorf("%w: %s missing", ErrMalformed, what)
}
