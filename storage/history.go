package storage

import (
	"context"
	"fmt"
	"sort"

	"mixer-backend/models"
)

// History holds the records of submitted and cancelled ceremonies. Both
// survive an admin reset.
type History struct {
	store AtomicStore
}

func NewHistory(store AtomicStore) *History {
	return &History{store: store}
}

// StageRecord stores the record of a submitted ceremony. The commit fails
// if the ceremony already has a record.
func (h *History) StageRecord(c *Commit, record models.CeremonyRecord) error {
	c.Check(HistoryKey(record.ID), 0)
	return c.SetValue(HistoryKey(record.ID), record)
}

func (h *History) StageCancelled(c *Commit, record models.CancelledCeremony) error {
	return c.SetValue(CancelledKey(record.CeremonyID), record)
}

func (h *History) Record(ctx context.Context, id string) (*models.CeremonyRecord, error) {
	e, err := h.store.Get(ctx, HistoryKey(id))
	if err != nil {
		return nil, err
	}
	var record models.CeremonyRecord
	if err := e.Decode(&record); err != nil {
		return nil, fmt.Errorf("could not decode history record %s: %w", id, err)
	}
	return &record, nil
}

// Records returns every history record, newest expiration first.
func (h *History) Records(ctx context.Context) ([]models.CeremonyRecord, error) {
	entries, err := h.store.ListByPrefix(ctx, Key{prefixHistory})
	if err != nil {
		return nil, fmt.Errorf("could not list ceremony history: %w", err)
	}
	records := make([]models.CeremonyRecord, 0, len(entries))
	for _, e := range entries {
		var record models.CeremonyRecord
		if err := e.Decode(&record); err != nil {
			return nil, fmt.Errorf("could not decode history record %s: %w", e.Key, err)
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ExpiresAt.After(records[j].ExpiresAt)
	})
	return records, nil
}

func (h *History) Cancelled(ctx context.Context, id string) (*models.CancelledCeremony, error) {
	e, err := h.store.Get(ctx, CancelledKey(id))
	if err != nil {
		return nil, err
	}
	var record models.CancelledCeremony
	if err := e.Decode(&record); err != nil {
		return nil, fmt.Errorf("could not decode cancellation record %s: %w", id, err)
	}
	return &record, nil
}

// CancelledRecords returns every cancellation record, most recent first.
func (h *History) CancelledRecords(ctx context.Context) ([]models.CancelledCeremony, error) {
	entries, err := h.store.ListByPrefix(ctx, Key{prefixCancelled})
	if err != nil {
		return nil, fmt.Errorf("could not list cancelled ceremonies: %w", err)
	}
	records := make([]models.CancelledCeremony, 0, len(entries))
	for _, e := range entries {
		var record models.CancelledCeremony
		if err := e.Decode(&record); err != nil {
			return nil, fmt.Errorf("could not decode cancellation record %s: %w", e.Key, err)
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}
