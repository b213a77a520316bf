package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b0gdan00/keywatch/internal/scanner"
)

func TestWatchSettingsReloadsOnDiskChange(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	w.WatchSettings()

	next := scanner.Normalize([]string{"a@c.us"}, "g@g.us", []string{"urgent"})
	require.NoError(t, w.store.Save(next))

	require.Eventually(t, func() bool {
		return w.Settings().DestinationChatID == "g@g.us"
	}, 3*time.Second, 20*time.Millisecond, "edited settings never reloaded")
	require.True(t, w.Settings().Enabled)
}

func TestWatchSettingsIgnoresUnrelatedFiles(t *testing.T) {
	w := newTestWorker(t, newFakeClient(), testWorkerConfig())
	w.WatchSettings()

	before := w.Settings()

	other := scanner.NewStore(w.store.Path() + ".other")
	require.NoError(t, other.Save(scanner.Normalize([]string{"x@c.us"}, "y@g.us", []string{"z"})))

	time.Sleep(800 * time.Millisecond)
	require.Equal(t, before, w.Settings())
}
