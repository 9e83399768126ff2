package message

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOffer signals a violation of the offer target-presence rule:
	// offers inside negotiation messages carry a target, offers embedded in a
	// catalog or dataset must not.
	ErrInvalidOffer = errors.New("message: invalid offer")
)

// Constraint is an ODRL constraint on a permission, prohibition or duty.
type Constraint struct {
	LeftOperand  string `json:"leftOperand"`
	Operator     string `json:"operator"`
	RightOperand string `json:"rightOperand"`
}

// Duty is an ODRL obligation that must be fulfilled.
type Duty struct {
	Action     string       `json:"action"`
	Constraint []Constraint `json:"constraint,omitempty"`
}

// Permission is an ODRL allowed action with optional constraints and duties.
type Permission struct {
	Action     string       `json:"action"`
	Constraint []Constraint `json:"constraint,omitempty"`
	Duty       []Duty       `json:"duty,omitempty"`
}

// Prohibition is an ODRL forbidden action.
type Prohibition struct {
	Action     string       `json:"action"`
	Constraint []Constraint `json:"constraint,omitempty"`
}

// Offer is an ODRL usage-policy proposal. Target is context dependent: set in
// negotiation messages, absent when the offer is embedded in a catalog entry.
type Offer struct {
	ID          string        `json:"@id"`
	Type        string        `json:"@type,omitempty"`
	Target      string        `json:"target,omitempty"`
	Assigner    string        `json:"assigner,omitempty"`
	Assignee    string        `json:"assignee,omitempty"`
	Permission  []Permission  `json:"permission,omitempty"`
	Prohibition []Prohibition `json:"prohibition,omitempty"`
	Obligation  []Duty        `json:"obligation,omitempty"`
}

// ValidateNegotiable checks the offer as carried in a contract request or
// offer message, where the target dataset is mandatory.
func (o Offer) ValidateNegotiable() error {
	if o.ID == "" {
		return fmt.Errorf("%w: offer id missing", ErrInvalidOffer)
	}
	if o.Target == "" {
		return fmt.Errorf("%w: offer %s has no target", ErrInvalidOffer, o.ID)
	}
	return nil
}

// ValidateEmbedded checks the offer as embedded in a catalog or dataset,
// where the target is inherited from the enclosing dataset and must be absent.
func (o Offer) ValidateEmbedded() error {
	if o.ID == "" {
		return fmt.Errorf("%w: offer id missing", ErrInvalidOffer)
	}
	if o.Target != "" {
		return fmt.Errorf("%w: embedded offer %s must not carry a target", ErrInvalidOffer, o.ID)
	}
	return nil
}

// Agreement is the immutable result of a successful negotiation: an offer
// accepted by both parties with the participant ids and timestamp fixed.
type Agreement struct {
	ID          string        `json:"@id"`
	Type        string        `json:"@type,omitempty"`
	Target      string        `json:"target"`
	Timestamp   time.Time     `json:"timestamp"`
	Assigner    string        `json:"assigner"`
	Assignee    string        `json:"assignee"`
	Permission  []Permission  `json:"permission,omitempty"`
	Prohibition []Prohibition `json:"prohibition,omitempty"`
	Obligation  []Duty        `json:"obligation,omitempty"`
}

func (a Agreement) validate() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: agreement id missing", ErrMalformed)
	case a.Target == "":
		return fmt.Errorf("%w: agreement target missing", ErrMalformed)
	case a.Assigner == "":
		return fmt.Errorf("%w: agreement assigner missing", ErrMalformed)
	case a.Assignee == "":
		return fmt.Errorf("%w: agreement assignee missing", ErrMalformed)
	case a.Timestamp.IsZero():
		return fmt.Errorf("%w: agreement timestamp missing", ErrMalformed)
	}
	return nil
}
