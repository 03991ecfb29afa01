package workermsg

import (
	"fmt"

	"github.com/joeycumines/go-workermsg/port"
	"github.com/joeycumines/go-workermsg/sharedmem"
)

// ThreadID identifies a thread within a host. Ids are unique among live
// threads.
type ThreadID uint64

// CoordinatorID is the id of the coordinating (main) thread, which owns the
// registry.
const CoordinatorID ThreadID = 0

// Completion descriptor slots.
const (
	statusIndex = 0 // 0 pending, 1 completed
	resultIndex = 1 // 0 not delivered, 1 delivered

	descriptorSlots = 2
)

// Kind is the type of an [Envelope].
type Kind uint8

const (
	// KindRegister adds a thread's endpoint to the coordinator's registry.
	KindRegister Kind = iota + 1
	// KindUnregister removes a thread's endpoint from the registry.
	KindUnregister
	// KindSend asks the coordinator to route a value to a destination.
	KindSend
	// KindReceive carries a routed value from the coordinator to its
	// destination.
	KindReceive
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindUnregister:
		return "unregister"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Envelope is the control message exchanged over thread endpoints.
type Envelope struct {
	// Value is the payload of send and receive envelopes.
	Value any
	// Port is the coordinator side endpoint carried by register envelopes.
	Port *port.Port
	// Memory is the completion descriptor of send and receive envelopes.
	Memory *sharedmem.Region
	// Transfer lists the values moved, rather than copied, with Value.
	Transfer []port.Transferable
	// Thread is the subject of register and unregister envelopes.
	Thread      ThreadID
	Source      ThreadID
	Destination ThreadID
	Kind        Kind
}

// envelopeCloner is the cloner of control endpoints. Payloads are cloned
// once, by Send, so envelopes pass through by identity.
type envelopeCloner struct{}

func (envelopeCloner) Clone(value any, _ []port.Transferable) (any, error) {
	if env, ok := value.(Envelope); ok {
		return env, nil
	}
	return nil, &port.DataCloneError{Value: value, Reason: "control endpoints only carry envelopes"}
}
