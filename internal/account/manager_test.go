package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"change-sync/internal/logging"
	"change-sync/internal/repos"
)

// gatedStore blocks hydration of one account until the gate opens.
type gatedStore struct {
	*repos.SyncRepo
	slow    string
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) SequenceBounds(accountID string) (int64, int64, error) {
	if accountID == s.slow {
		close(s.entered)
		<-s.gate
	}
	return s.SyncRepo.SequenceBounds(accountID)
}

func TestManagerHydratesAccountsIndependently(t *testing.T) {
	store := &gatedStore{
		SyncRepo: newTestStore(t),
		slow:     "acct-slow",
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
	m := NewManager(store, Options{}, logging.New("error"))
	t.Cleanup(m.Close)

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Actor("acct-slow")
		slowDone <- err
	}()
	<-store.entered

	// The slow account is mid-hydration; another account must not queue
	// behind it.
	fastDone := make(chan error, 1)
	go func() {
		_, err := m.Actor("acct-fast")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hydration of one account blocked another")
	}

	close(store.gate)
	require.NoError(t, <-slowDone)

	// Both resolve to live actors and repeated lookups are stable.
	a1, err := m.Actor("acct-slow")
	require.NoError(t, err)
	a2, err := m.Actor("acct-slow")
	require.NoError(t, err)
	require.Same(t, a1, a2)
}
