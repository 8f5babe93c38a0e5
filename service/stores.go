package service

import "mixer-backend/storage"

// Stores bundles the typed views over one shared AtomicStore.
type Stores struct {
	DB         storage.AtomicStore
	Queue      *storage.Queue
	Ceremonies *storage.Ceremonies
	History    *storage.History
	Blacklist  *storage.Blacklist
}

func NewStores(db storage.AtomicStore) *Stores {
	return &Stores{
		DB:         db,
		Queue:      storage.NewQueue(db),
		Ceremonies: storage.NewCeremonies(db),
		History:    storage.NewHistory(db),
		Blacklist:  storage.NewBlacklist(db),
	}
}
