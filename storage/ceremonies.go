package storage

import (
	"context"
	"errors"
	"fmt"

	"mixer-backend/models"
)

// StoredCeremony is an active ceremony together with the version it was read at.
type StoredCeremony struct {
	Ceremony models.Ceremony
	Version  uint64
}

// Ceremonies holds active ceremonies and the membership index that keeps a
// participant in at most one of them.
type Ceremonies struct {
	store AtomicStore
}

func NewCeremonies(store AtomicStore) *Ceremonies {
	return &Ceremonies{store: store}
}

func (s *Ceremonies) Get(ctx context.Context, id string) (*StoredCeremony, error) {
	e, err := s.store.Get(ctx, CeremonyKey(id))
	if err != nil {
		return nil, err
	}
	var c models.Ceremony
	if err := e.Decode(&c); err != nil {
		return nil, fmt.Errorf("could not decode ceremony %s: %w", id, err)
	}
	return &StoredCeremony{Ceremony: c, Version: e.Version}, nil
}

func (s *Ceremonies) List(ctx context.Context) ([]StoredCeremony, error) {
	entries, err := s.store.ListByPrefix(ctx, Key{prefixCeremony})
	if err != nil {
		return nil, fmt.Errorf("could not list ceremonies: %w", err)
	}
	ceremonies := make([]StoredCeremony, 0, len(entries))
	for _, e := range entries {
		var c models.Ceremony
		if err := e.Decode(&c); err != nil {
			return nil, fmt.Errorf("could not decode ceremony %s: %w", e.Key, err)
		}
		ceremonies = append(ceremonies, StoredCeremony{Ceremony: c, Version: e.Version})
	}
	return ceremonies, nil
}

// MemberOf returns the id of the active ceremony address belongs to.
func (s *Ceremonies) MemberOf(ctx context.Context, address string) (string, bool, error) {
	e, err := s.store.Get(ctx, MemberKey(address))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var id string
	if err := e.Decode(&id); err != nil {
		return "", false, fmt.Errorf("could not decode membership of %s: %w", address, err)
	}
	return id, true, nil
}

// StageCreate adds a new ceremony. The commit fails if the id is taken or
// any participant already belongs to an active ceremony.
func (s *Ceremonies) StageCreate(c *Commit, ceremony models.Ceremony) error {
	c.Check(CeremonyKey(ceremony.ID), 0)
	for _, p := range ceremony.Participants {
		c.Check(MemberKey(p.Address), 0)
		if err := c.SetValue(MemberKey(p.Address), ceremony.ID); err != nil {
			return err
		}
	}
	return c.SetValue(CeremonyKey(ceremony.ID), ceremony)
}

// StageUpdate replaces a ceremony read at stored.Version.
func (s *Ceremonies) StageUpdate(c *Commit, stored StoredCeremony, ceremony models.Ceremony) error {
	c.Check(CeremonyKey(stored.Ceremony.ID), stored.Version)
	return c.SetValue(CeremonyKey(stored.Ceremony.ID), ceremony)
}

// StageDelete removes a ceremony read at stored.Version along with the
// membership of its participants.
func (s *Ceremonies) StageDelete(c *Commit, stored StoredCeremony) {
	c.Check(CeremonyKey(stored.Ceremony.ID), stored.Version)
	c.Delete(CeremonyKey(stored.Ceremony.ID))
	for _, p := range stored.Ceremony.Participants {
		c.Delete(MemberKey(p.Address))
	}
}
