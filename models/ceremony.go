package models

import (
	"fmt"
	"time"
)

type Witness struct {
	SignerCredential string `json:"signer_credential" msgpack:"signer_credential"`
	Blob             []byte `json:"blob" msgpack:"blob"`
}

type Ceremony struct {
	ID              string        `json:"id" msgpack:"id"`
	Participants    []Participant `json:"participants" msgpack:"participants"`
	Transaction     []byte        `json:"transaction" msgpack:"transaction"`
	TransactionHash string        `json:"transaction_hash" msgpack:"transaction_hash"`
	Witnesses       []Witness     `json:"witnesses" msgpack:"witnesses"`
	ExpiresAt       time.Time     `json:"expires_at" msgpack:"expires_at"`
	CreatedAt       time.Time     `json:"created_at" msgpack:"created_at"`
}

// Ready reports whether every participant and the operator have signed.
func (c *Ceremony) Ready() bool {
	return len(c.Witnesses) == len(c.Participants)+1
}

func (c *Ceremony) HasWitnessFrom(credential string) bool {
	for _, w := range c.Witnesses {
		if w.SignerCredential == credential {
			return true
		}
	}
	return false
}

func (c *Ceremony) ParticipantByCredential(credential string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.PaymentCredential == credential {
			return p, true
		}
	}
	return Participant{}, false
}

// Signers splits the participants into those with a recorded witness and
// those without one.
func (c *Ceremony) Signers() (signed []Participant, missing []Participant) {
	for _, p := range c.Participants {
		if c.HasWitnessFrom(p.PaymentCredential) {
			signed = append(signed, p)
		} else {
			missing = append(missing, p)
		}
	}
	return signed, missing
}

func (c *Ceremony) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CeremonyRecord is kept for every ceremony whose transaction reached the ledger.
type CeremonyRecord struct {
	ID              string    `json:"id" msgpack:"id"`
	TransactionHash string    `json:"transaction_hash" msgpack:"transaction_hash"`
	ExpiresAt       time.Time `json:"expiration_time" msgpack:"expires_at"`
	SubmittedAt     time.Time `json:"submitted_at" msgpack:"submitted_at"`
	ConfirmationID  string    `json:"confirmation_id" msgpack:"confirmation_id"`
}

type CancelledCeremony struct {
	CeremonyID      string    `json:"ceremony_id" msgpack:"ceremony_id"`
	Reason          string    `json:"reason" msgpack:"reason"`
	TransactionHash string    `json:"transaction_hash" msgpack:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp"`
}

type CeremonyState string

const (
	CeremonyPending   CeremonyState = "pending"
	CeremonyOnChain   CeremonyState = "on-chain"
	CeremonyCancelled CeremonyState = "cancelled"
	CeremonyNotFound  CeremonyState = "not-found"
)

type CeremonyStatus struct {
	State  CeremonyState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

func (s CeremonyStatus) String() string {
	if s.State == CeremonyCancelled {
		return fmt.Sprintf("%s:%s", s.State, s.Reason)
	}
	return string(s.State)
}
