package transfer

import (
	"time"

	"dspconnect/message"
)

// State is the transfer process state per the protocol state machine.
type State string

const (
	StateRequested  State = "REQUESTED"
	StateStarted    State = "STARTED"
	StateCompleted  State = "COMPLETED"
	StateSuspended  State = "SUSPENDED"
	StateTerminated State = "TERMINATED"
)

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated
}

// Process is one transfer process. It exists only for a finalized
// negotiation's agreement, referenced by AgreementID.
type Process struct {
	ConsumerPid string
	ProviderPid string
	State       State
	AgreementID string
	Format      string
	DataAddress *message.DataAddress
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// View renders the process as the protocol's TransferProcess document.
func (p Process) View() message.TransferProcess {
	return message.TransferProcess{
		Context:     []string{message.ContextURI},
		ID:          p.ProviderPid,
		Type:        "dspace:TransferProcess",
		ConsumerPid: p.ConsumerPid,
		ProviderPid: p.ProviderPid,
		State:       string(p.State),
	}
}
