package storage

import (
	"context"
	"errors"
	"fmt"

	"mixer-backend/models"
)

// Blacklist holds payment credentials barred from signing up. Entries are
// keyed by credential, so blacklisting twice keeps a single entry.
type Blacklist struct {
	store AtomicStore
}

func NewBlacklist(store AtomicStore) *Blacklist {
	return &Blacklist{store: store}
}

func (b *Blacklist) Get(ctx context.Context, credential string) (*models.BlacklistEntry, uint64, error) {
	e, err := b.store.Get(ctx, BlacklistKey(credential))
	if err != nil {
		return nil, 0, err
	}
	var entry models.BlacklistEntry
	if err := e.Decode(&entry); err != nil {
		return nil, 0, fmt.Errorf("could not decode blacklist entry %s: %w", credential, err)
	}
	return &entry, e.Version, nil
}

func (b *Blacklist) Contains(ctx context.Context, credential string) (bool, error) {
	_, _, err := b.Get(ctx, credential)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Blacklist) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	entries, err := b.store.ListByPrefix(ctx, Key{prefixBlacklist})
	if err != nil {
		return nil, fmt.Errorf("could not list blacklist: %w", err)
	}
	list := make([]models.BlacklistEntry, 0, len(entries))
	for _, e := range entries {
		var entry models.BlacklistEntry
		if err := e.Decode(&entry); err != nil {
			return nil, fmt.Errorf("could not decode blacklist entry %s: %w", e.Key, err)
		}
		list = append(list, entry)
	}
	return list, nil
}

// StagePut blacklists entry.CredentialHash, replacing any earlier entry.
func (b *Blacklist) StagePut(c *Commit, entry models.BlacklistEntry) error {
	return c.SetValue(BlacklistKey(entry.CredentialHash), entry)
}

// Remove deletes the entry of credential. It returns ErrNotFound when the
// credential is not blacklisted.
func (b *Blacklist) Remove(ctx context.Context, credential string) error {
	_, version, err := b.Get(ctx, credential)
	if err != nil {
		return err
	}
	c := NewCommit().Check(BlacklistKey(credential), version).Delete(BlacklistKey(credential))
	if err := b.store.AtomicCommit(ctx, c); err != nil {
		return fmt.Errorf("could not remove %s from blacklist: %w", credential, err)
	}
	return nil
}
