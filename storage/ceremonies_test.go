package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixer-backend/models"
	"mixer-backend/storage"
	"mixer-backend/utils/unittest"
)

func TestCeremonies_MembershipIsExclusive(t *testing.T) {
	unittest.RunWithStore(t, func(store *storage.BadgerStore) {
		ctx := context.Background()
		ceremonies := storage.NewCeremonies(store)

		c := storage.NewCommit()
		require.NoError(t, ceremonies.StageCreate(c, models.Ceremony{
			ID:           "one",
			Participants: []models.Participant{participant("a"), participant("b")},
		}))
		require.NoError(t, store.AtomicCommit(ctx, c))

		c = storage.NewCommit()
		require.NoError(t, ceremonies.StageCreate(c, models.Ceremony{
			ID:           "two",
			Participants: []models.Participant{participant("b"), participant("c")},
		}))
		require.ErrorIs(t, store.AtomicCommit(ctx, c), storage.ErrConflict)

		id, ok, err := ceremonies.MemberOf(ctx, "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "one", id)

		_, ok, err = ceremonies.MemberOf(ctx, "c")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCeremonies_UpdateAndDelete(t *testing.T) {
	unittest.RunWithStore(t, func(store *storage.BadgerStore) {
		ctx := context.Background()
		ceremonies := storage.NewCeremonies(store)

		ceremony := models.Ceremony{
			ID:           "one",
			Participants: []models.Participant{participant("a")},
			ExpiresAt:    time.Unix(100, 0),
		}
		c := storage.NewCommit()
		require.NoError(t, ceremonies.StageCreate(c, ceremony))
		require.NoError(t, store.AtomicCommit(ctx, c))

		stored, err := ceremonies.Get(ctx, "one")
		require.NoError(t, err)

		updated := stored.Ceremony
		updated.Witnesses = append(updated.Witnesses, models.Witness{SignerCredential: "cred_a", Blob: []byte{1}})
		c = storage.NewCommit()
		require.NoError(t, ceremonies.StageUpdate(c, *stored, updated))
		require.NoError(t, store.AtomicCommit(ctx, c))

		// the read before the update is now stale
		c = storage.NewCommit()
		ceremonies.StageDelete(c, *stored)
		require.ErrorIs(t, store.AtomicCommit(ctx, c), storage.ErrConflict)

		fresh, err := ceremonies.Get(ctx, "one")
		require.NoError(t, err)
		require.Len(t, fresh.Ceremony.Witnesses, 1)

		c = storage.NewCommit()
		ceremonies.StageDelete(c, *fresh)
		require.NoError(t, store.AtomicCommit(ctx, c))

		_, err = ceremonies.Get(ctx, "one")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, ok, err := ceremonies.MemberOf(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestHistory_NewestFirst(t *testing.T) {
	unittest.RunWithStore(t, func(store *storage.BadgerStore) {
		ctx := context.Background()
		history := storage.NewHistory(store)

		c := storage.NewCommit()
		for i, id := range []string{"old", "newest", "middle"} {
			offsets := []int64{10, 30, 20}
			require.NoError(t, history.StageRecord(c, models.CeremonyRecord{
				ID:        id,
				ExpiresAt: time.Unix(offsets[i], 0),
			}))
		}
		require.NoError(t, store.AtomicCommit(ctx, c))

		records, err := history.Records(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "newest", records[0].ID)
		assert.Equal(t, "middle", records[1].ID)
		assert.Equal(t, "old", records[2].ID)

		// a ceremony is recorded once
		c = storage.NewCommit()
		require.NoError(t, history.StageRecord(c, models.CeremonyRecord{ID: "old"}))
		require.ErrorIs(t, store.AtomicCommit(ctx, c), storage.ErrConflict)
	})
}

func TestBlacklist_PutAndRemove(t *testing.T) {
	unittest.RunWithStore(t, func(store *storage.BadgerStore) {
		ctx := context.Background()
		blacklist := storage.NewBlacklist(store)

		c := storage.NewCommit()
		require.NoError(t, blacklist.StagePut(c, models.BlacklistEntry{CredentialHash: "cred", Reason: "first"}))
		require.NoError(t, blacklist.StagePut(c, models.BlacklistEntry{CredentialHash: "cred", Reason: "second"}))
		require.NoError(t, store.AtomicCommit(ctx, c))

		list, err := blacklist.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		listed, err := blacklist.Contains(ctx, "cred")
		require.NoError(t, err)
		assert.True(t, listed)

		require.NoError(t, blacklist.Remove(ctx, "cred"))
		require.ErrorIs(t, blacklist.Remove(ctx, "cred"), storage.ErrNotFound)
	})
}
