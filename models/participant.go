package models

import "time"

// SignedMessage is a detached signature together with the public key that
// produced it. Both fields are hex encoded.
type SignedMessage struct {
	Key       string `json:"key" msgpack:"key"`
	Signature string `json:"signature" msgpack:"signature"`
}

// SignupPayload is the statement a participant signs to join the queue.
type SignupPayload struct {
	Address          string `json:"address"`
	RecipientAddress string `json:"recipient_address"`
	Context          string `json:"context"`
	SignupTimestamp  int64  `json:"signup_timestamp"` // unix milliseconds
}

type Participant struct {
	Address           string        `json:"address" msgpack:"address"`
	RecipientAddress  string        `json:"recipient_address" msgpack:"recipient_address"`
	SignedProof       SignedMessage `json:"signed_proof" msgpack:"signed_proof"`
	PaymentCredential string        `json:"payment_credential" msgpack:"payment_credential"`
}

// WithoutRecipient returns a copy safe to show to other participants.
func (p Participant) WithoutRecipient() Participant {
	p.RecipientAddress = ""
	return p
}

type QueueEntry struct {
	EnqueuedAt  time.Time   `json:"enqueued_at" msgpack:"enqueued_at"`
	Participant Participant `json:"participant" msgpack:"participant"`
}
