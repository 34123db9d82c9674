package provisioning

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/network"
)

// FailureReason is the error code of a Provisioning Failed PDU.
type FailureReason uint8

const (
	FailureInvalidPDU          FailureReason = 0x01
	FailureInvalidFormat       FailureReason = 0x02
	FailureUnexpectedPDU       FailureReason = 0x03
	FailureConfirmationFailed  FailureReason = 0x04
	FailureOutOfResources      FailureReason = 0x05
	FailureDecryptionFailed    FailureReason = 0x06
	FailureUnexpectedError     FailureReason = 0x07
	FailureCannotAssignAddress FailureReason = 0x08
	FailureLocal               FailureReason = 0xFF
)

func (r FailureReason) String() string {
	switch r {
	case FailureInvalidPDU:
		return "invalid PDU"
	case FailureInvalidFormat:
		return "invalid format"
	case FailureUnexpectedPDU:
		return "unexpected PDU"
	case FailureConfirmationFailed:
		return "confirmation failed"
	case FailureOutOfResources:
		return "out of resources"
	case FailureDecryptionFailed:
		return "decryption failed"
	case FailureUnexpectedError:
		return "unexpected error"
	case FailureCannotAssignAddress:
		return "cannot assign addresses"
	case FailureLocal:
		return "local failure"
	default:
		return fmt.Sprintf("reason 0x%02X", uint8(r))
	}
}

// Outcome is the result of a provisioning attempt: either *Provisioned or
// *Unprovisioned.
type Outcome interface {
	outcome()
}

// Provisioned is a device that joined the network.
type Provisioned struct {
	Node network.Node
}

// Unprovisioned is a device that did not join. Detail carries local
// failures the device never reported.
type Unprovisioned struct {
	UUID   uuid.UUID
	Reason FailureReason
	Detail string
}

func (*Provisioned) outcome()   {}
func (*Unprovisioned) outcome() {}

func (u *Unprovisioned) String() string {
	if u.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", u.UUID, u.Reason, u.Detail)
	}
	return fmt.Sprintf("%s: %s", u.UUID, u.Reason)
}
