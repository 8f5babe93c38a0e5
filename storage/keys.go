package storage

import (
	"fmt"
	"time"
)

const (
	prefixQueue      = "queue"
	prefixQueueIndex = "queue_index"
	prefixCeremony   = "ceremonies"
	prefixMember     = "ceremony_member"
	prefixHistory    = "ceremony_history"
	prefixCancelled  = "cancelled_ceremonies"
	prefixBlacklist  = "blacklist"
	prefixWatchdog   = "watchdog"
)

// timestampPart renders t fixed width so that queue keys sort by arrival.
func timestampPart(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func QueueKey(at time.Time, address string) Key {
	return Key{prefixQueue, timestampPart(at), address}
}

func QueueIndexKey(address string) Key {
	return Key{prefixQueueIndex, address}
}

func CeremonyKey(id string) Key {
	return Key{prefixCeremony, id}
}

// MemberKey maps a participant address to the active ceremony holding it.
func MemberKey(address string) Key {
	return Key{prefixMember, address}
}

func HistoryKey(id string) Key {
	return Key{prefixHistory, id}
}

func CancelledKey(id string) Key {
	return Key{prefixCancelled, id}
}

func BlacklistKey(credential string) Key {
	return Key{prefixBlacklist, credential}
}

func LastSweptKey() Key {
	return Key{prefixWatchdog, "last_swept"}
}

// MutableStatePrefixes lists every prefix an admin reset wipes. Ceremony
// history and cancellation records are kept.
func MutableStatePrefixes() []Key {
	return []Key{
		{prefixQueue},
		{prefixQueueIndex},
		{prefixCeremony},
		{prefixMember},
		{prefixBlacklist},
		{prefixWatchdog},
	}
}

// AllPrefixes lists every prefix written by the coordinator.
func AllPrefixes() []Key {
	return append(MutableStatePrefixes(), Key{prefixHistory}, Key{prefixCancelled})
}
