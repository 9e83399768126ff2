package message

import (
	"errors"
	"testing"
)

func TestOfferTargetInvariant(t *testing.T) {
	withTarget := Offer{ID: "urn:uuid:o1", Target: "urn:uuid:d1"}
	withoutTarget := Offer{ID: "urn:uuid:o1"}

	if err := withTarget.ValidateNegotiable(); err != nil {
		t.Fatalf("negotiable offer with target should pass: %v", err)
	}
	if err := withoutTarget.ValidateNegotiable(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("negotiable offer without target: expected ErrInvalidOffer, got %v", err)
	}

	if err := withoutTarget.ValidateEmbedded(); err != nil {
		t.Fatalf("embedded offer without target should pass: %v", err)
	}
	if err := withTarget.ValidateEmbedded(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("embedded offer with target: expected ErrInvalidOffer, got %v", err)
	}
}

func TestOfferMissingID(t *testing.T) {
	anon := Offer{Target: "urn:uuid:d1"}
	if err := anon.ValidateNegotiable(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for offer without id, got %v", err)
	}
	if err := (Offer{}).ValidateEmbedded(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("expected ErrInvalidOffer for embedded offer without id, got %v", err)
	}
}
