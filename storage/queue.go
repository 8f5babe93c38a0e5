package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mixer-backend/models"
)

// QueuedParticipant is a queue entry as read from the store.
type QueuedParticipant struct {
	Entry   models.QueueEntry
	Key     Key
	Version uint64
}

// Queue keeps waiting participants ordered by arrival. Each entry has a
// companion index key so that an address can be queued at most once.
type Queue struct {
	store AtomicStore
}

func NewQueue(store AtomicStore) *Queue {
	return &Queue{store: store}
}

// List returns the queue oldest first.
func (q *Queue) List(ctx context.Context) ([]QueuedParticipant, error) {
	entries, err := q.store.ListByPrefix(ctx, Key{prefixQueue})
	if err != nil {
		return nil, fmt.Errorf("could not list queue: %w", err)
	}

	queued := make([]QueuedParticipant, 0, len(entries))
	for _, e := range entries {
		var entry models.QueueEntry
		if err := e.Decode(&entry); err != nil {
			return nil, fmt.Errorf("could not decode queue entry %s: %w", e.Key, err)
		}
		queued = append(queued, QueuedParticipant{Entry: entry, Key: e.Key, Version: e.Version})
	}
	return queued, nil
}

// Oldest returns at most n of the earliest queued participants.
func (q *Queue) Oldest(ctx context.Context, n int) ([]QueuedParticipant, error) {
	queued, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(queued) > n {
		queued = queued[:n]
	}
	return queued, nil
}

func (q *Queue) Contains(ctx context.Context, address string) (bool, error) {
	_, err := q.store.Get(ctx, QueueIndexKey(address))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not check queue index: %w", err)
	}
	return true, nil
}

// Lookup returns the queue entry of address.
func (q *Queue) Lookup(ctx context.Context, address string) (*QueuedParticipant, error) {
	idx, err := q.store.Get(ctx, QueueIndexKey(address))
	if err != nil {
		return nil, err
	}
	var ts string
	if err := idx.Decode(&ts); err != nil {
		return nil, fmt.Errorf("could not decode queue index of %s: %w", address, err)
	}

	key := Key{prefixQueue, ts, address}
	e, err := q.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("queue index of %s points at missing entry: %w", address, err)
	}
	var entry models.QueueEntry
	if err := e.Decode(&entry); err != nil {
		return nil, fmt.Errorf("could not decode queue entry %s: %w", key, err)
	}
	return &QueuedParticipant{Entry: entry, Key: key, Version: e.Version}, nil
}

// StageEnqueue adds p to the queue at the given instant. The commit fails
// if the address is already queued.
func (q *Queue) StageEnqueue(c *Commit, p models.Participant, at time.Time) error {
	key := QueueKey(at, p.Address)
	c.Check(QueueIndexKey(p.Address), 0)
	if err := c.SetValue(key, models.QueueEntry{EnqueuedAt: at, Participant: p}); err != nil {
		return err
	}
	return c.SetValue(QueueIndexKey(p.Address), key[1])
}

// StageRemove removes a previously read entry. The commit fails if the
// entry changed or disappeared since it was read.
func (q *Queue) StageRemove(c *Commit, item QueuedParticipant) {
	c.Check(item.Key, item.Version)
	c.Delete(item.Key)
	c.Delete(QueueIndexKey(item.Entry.Participant.Address))
}

// Enqueue adds a newly signed up participant. It fails with ErrConflict
// when the address is already queued or sits in an active ceremony.
func (q *Queue) Enqueue(ctx context.Context, p models.Participant, at time.Time) error {
	c := NewCommit()
	c.Check(MemberKey(p.Address), 0)
	if err := q.StageEnqueue(c, p, at); err != nil {
		return err
	}
	if err := q.store.AtomicCommit(ctx, c); err != nil {
		return fmt.Errorf("could not enqueue %s: %w", p.Address, err)
	}
	return nil
}

// Remove takes address out of the queue. It reports false when the address
// was not queued.
func (q *Queue) Remove(ctx context.Context, address string) (bool, error) {
	item, err := q.Lookup(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c := NewCommit()
	q.StageRemove(c, *item)
	if err := q.store.AtomicCommit(ctx, c); err != nil {
		return false, fmt.Errorf("could not remove %s from queue: %w", address, err)
	}
	return true, nil
}
