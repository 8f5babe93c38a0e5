package models

import "time"

// BlacklistEntry is keyed by payment credential so that it follows the key
// holder across every address built on that credential.
type BlacklistEntry struct {
	CredentialHash string    `json:"credential_hash" msgpack:"credential_hash"`
	Reason         string    `json:"reason" msgpack:"reason"`
	ID             string    `json:"id" msgpack:"id"`
	Timestamp      time.Time `json:"timestamp" msgpack:"timestamp"`
}
