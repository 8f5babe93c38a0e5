package unittest

import (
	"flag"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mixer-backend/storage"
)

var verbose = flag.Bool("vv", false, "print debugging logs")

// Logger returns a logger that discards output unless tests run with -vv.
func Logger() zerolog.Logger {
	var writer io.Writer = io.Discard
	if *verbose {
		writer = os.Stderr
	}
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	return zerolog.New(writer).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

func TempDir(t testing.TB) string {
	dir, err := os.MkdirTemp("", "mixer-testing-temp-")
	require.NoError(t, err)
	return dir
}

func RunWithTempDir(t testing.TB, f func(string)) {
	dir := TempDir(t)
	defer os.RemoveAll(dir)
	f(dir)
}

// InMemoryStore opens a badger store without a backing directory. It is
// closed when the test ends.
func InMemoryStore(t testing.TB) *storage.BadgerStore {
	store, err := storage.OpenBadger("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func RunWithStore(t testing.TB, f func(*storage.BadgerStore)) {
	store, err := storage.OpenBadger("", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	f(store)
}

// RunWithDiskStore opens a badger store in a temporary directory.
func RunWithDiskStore(t testing.TB, f func(dir string, store *storage.BadgerStore)) {
	RunWithTempDir(t, func(dir string) {
		store, err := storage.OpenBadger(dir, zerolog.Nop())
		require.NoError(t, err)
		defer store.Close()
		f(dir, store)
	})
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
