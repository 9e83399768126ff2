package negotiation

import (
	"time"

	"dspconnect/message"
)

// State is the contract negotiation state per the protocol state machine.
type State string

const (
	StateRequested  State = "REQUESTED"
	StateOffered    State = "OFFERED"
	StateAccepted   State = "ACCEPTED"
	StateAgreed     State = "AGREED"
	StateVerified   State = "VERIFIED"
	StateFinalized  State = "FINALIZED"
	StateTerminated State = "TERMINATED"
)

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateTerminated
}

// Process is one contract negotiation, identified by its pid pair. The
// provider pid is the unique handle on this connector; the consumer pid must
// match it on every message. Records are never deleted: terminated and
// finalized processes are retained for audit.
type Process struct {
	ConsumerPid string
	ProviderPid string
	State       State
	Offer       message.Offer
	Agreement   *message.Agreement
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// View renders the process as the protocol's ContractNegotiation document.
func (p Process) View() message.ContractNegotiation {
	return message.ContractNegotiation{
		Context:     []string{message.ContextURI},
		ID:          p.ProviderPid,
		Type:        "dspace:ContractNegotiation",
		ConsumerPid: p.ConsumerPid,
		ProviderPid: p.ProviderPid,
		State:       string(p.State),
	}
}
