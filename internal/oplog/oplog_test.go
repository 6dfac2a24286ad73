package oplog

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/store"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(config.OplogConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "oplog.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func markerOp(counter uint64, site, label string) model.Operation {
	mt := model.MarkerPin
	return model.Operation{
		Entity:    model.EntityMarker,
		Action:    model.ActionCreate,
		EntityID:  site + "-1",
		Origin:    clock.ParticipantID(site),
		Timestamp: clock.Timestamp{Counter: counter, Site: clock.ParticipantID(site)},
		Marker: &model.MarkerPayload{
			Coordinate: &model.Coordinate{Latitude: 51.5, Longitude: -0.12},
			Type:       &mt,
			Label:      &label,
		},
	}
}

func TestAppendAndReplay(t *testing.T) {
	l := openTestLog(t)

	ops := []model.Operation{
		markerOp(1, "site-a", "OP north"),
		markerOp(2, "site-a", "OP south"),
		markerOp(1, "site-b", "rally"),
	}
	for _, op := range ops {
		require.NoError(t, l.Append(op))
	}

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var replayed []string
	require.NoError(t, l.ReplayAll(func(op model.Operation) error {
		replayed = append(replayed, op.Key())
		return nil
	}))
	assert.Equal(t, []string{"1@site-a", "1@site-b", "2@site-a"}, replayed)
}

func TestAppend_Idempotent(t *testing.T) {
	l := openTestLog(t)

	op := markerOp(1, "site-a", "OP north")
	require.NoError(t, l.Append(op))
	require.NoError(t, l.Append(op))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppendBatch(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(markerOp(1, "site-a", "dup")))
	require.NoError(t, l.AppendBatch([]model.Operation{
		markerOp(1, "site-a", "dup"),
		markerOp(2, "site-a", "new"),
		markerOp(3, "site-a", "newer"),
	}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, l.AppendBatch(nil))
}

func TestHighestCounter(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(markerOp(4, "site-a", "a")))
	require.NoError(t, l.Append(markerOp(9, "site-a", "b")))
	require.NoError(t, l.Append(markerOp(20, "site-b", "c")))

	n, err := l.HighestCounter("site-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	n, err = l.HighestCounter("site-unknown")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrune(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(markerOp(1, "site-a", "old")))
	require.NoError(t, l.Append(markerOp(2, "site-a", "old too")))

	removed, err := l.Prune(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	l := openTestLog(t)

	// Build state on one replica, logging every op.
	src := store.New(clock.NewAt("site-a", 0), slog.Default())
	stamped, err := src.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionCreate,
		Marker: &model.MarkerPayload{
			Coordinate: &model.Coordinate{Latitude: 51.5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, l.Append(stamped))

	label := "renamed"
	stamped, err = src.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionUpdate, EntityID: stamped.EntityID,
		Marker: &model.MarkerPayload{Label: &label},
	})
	require.NoError(t, err)
	require.NoError(t, l.Append(stamped))

	// Replay into a fresh store.
	dst := store.New(clock.NewAt("site-z", 0), slog.Default())
	require.NoError(t, l.ReplayAll(func(op model.Operation) error {
		_, err := dst.ApplyRemote(op)
		return err
	}))

	assert.Equal(t, src.Snapshot().Markers, dst.Snapshot().Markers)
}
