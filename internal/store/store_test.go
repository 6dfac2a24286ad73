package store

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/model"
)

func newTestStore(site string) *Store {
	return New(clock.NewAt(clock.ParticipantID(site), 0), slog.Default())
}

func localPosition(lat, lon float64) model.Operation {
	return model.Operation{
		Entity: model.EntityPosition,
		Action: model.ActionSet,
		Position: &model.PositionPayload{
			Coordinate: model.Coordinate{Latitude: lat, Longitude: lon},
			CapturedAt: time.Now(),
		},
	}
}

func localMarkerCreate(label string) model.Operation {
	mt := model.MarkerPin
	vis := model.VisibilityAll
	return model.Operation{
		Entity: model.EntityMarker,
		Action: model.ActionCreate,
		Marker: &model.MarkerPayload{
			Coordinate: &model.Coordinate{Latitude: 51, Longitude: 7},
			Type:       &mt,
			Label:      &label,
			Visibility: &vis,
		},
	}
}

func TestApplyLocal_StampsAndAssignsIDs(t *testing.T) {
	s := newTestStore("site-a")

	pos := localPosition(51, 7)
	pos.EntityID = "site-a"
	stamped, err := s.ApplyLocal(pos)
	require.NoError(t, err)
	assert.Equal(t, clock.ParticipantID("site-a"), stamped.Origin)
	assert.Equal(t, uint64(1), stamped.Timestamp.Counter)

	marker, err := s.ApplyLocal(localMarkerCreate("OP north"))
	require.NoError(t, err)
	assert.Equal(t, "site-a-2", marker.EntityID, "marker id is site plus counter")

	snap := s.Snapshot()
	require.Contains(t, snap.Markers, marker.EntityID)
	assert.Equal(t, "OP north", snap.Markers[marker.EntityID].Label)
}

func TestApplyLocal_RejectsForeignPosition(t *testing.T) {
	s := newTestStore("site-a")

	op := localPosition(51, 7)
	op.EntityID = "site-b"
	_, err := s.ApplyLocal(op)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Empty(t, s.Log(), "rejected ops are never recorded")
}

func TestApplyLocal_TombstoneDiscipline(t *testing.T) {
	s := newTestStore("site-a")

	created, err := s.ApplyLocal(localMarkerCreate("OP north"))
	require.NoError(t, err)

	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionDelete, EntityID: created.EntityID,
	})
	require.NoError(t, err)

	label := "edit"
	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionUpdate, EntityID: created.EntityID,
		Marker: &model.MarkerPayload{Label: &label},
	})
	assert.ErrorIs(t, err, ErrInvalidOperation, "editing a deleted marker")

	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionDelete, EntityID: created.EntityID,
	})
	assert.ErrorIs(t, err, ErrInvalidOperation, "double delete")

	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionUpdate, EntityID: "nope",
		Marker: &model.MarkerPayload{Label: &label},
	})
	assert.ErrorIs(t, err, ErrInvalidOperation, "editing an unknown marker")
}

func TestApplyRemote_DedupAndSpoofedPosition(t *testing.T) {
	a := newTestStore("site-a")
	b := newTestStore("site-b")

	op := localPosition(51, 7)
	op.EntityID = "site-a"
	stamped, err := a.ApplyLocal(op)
	require.NoError(t, err)

	changed, err := b.ApplyRemote(stamped)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.ApplyRemote(stamped)
	require.NoError(t, err)
	assert.False(t, changed, "replay of a seen op is a no-op")

	spoof := stamped
	spoof.Origin = "site-c"
	spoof.Timestamp = clock.Timestamp{Counter: 99, Site: "site-c"}
	_, err = b.ApplyRemote(spoof)
	assert.ErrorIs(t, err, ErrInvalidOperation, "position op for someone else's entity")
}

func TestApplyRemote_AdvancesClockPastRemote(t *testing.T) {
	a := newTestStore("site-a")
	b := newTestStore("site-b")

	op := localPosition(51, 7)
	op.EntityID = "site-b"
	for i := 0; i < 40; i++ {
		stamped, err := b.ApplyLocal(op)
		require.NoError(t, err)
		_, err = a.ApplyRemote(stamped)
		require.NoError(t, err)
	}

	next, err := a.ApplyLocal(localMarkerCreate("after catch-up"))
	require.NoError(t, err)
	assert.Greater(t, next.Timestamp.Counter, uint64(40), "local stamps stay ahead of everything seen")
}

func TestConvergence_OrderIndependentAcrossReplicas(t *testing.T) {
	a := newTestStore("site-a")

	marker, err := a.ApplyLocal(localMarkerCreate("rally"))
	require.NoError(t, err)

	label := "rally point"
	relabel, err := a.ApplyLocal(model.Operation{
		Entity: model.EntityMarker, Action: model.ActionUpdate, EntityID: marker.EntityID,
		Marker: &model.MarkerPayload{Label: &label},
	})
	require.NoError(t, err)

	name := "Alpha"
	member := clock.ParticipantID("site-a")
	team, err := a.ApplyLocal(model.Operation{
		Entity: model.EntityTeam, Action: model.ActionCreate, EntityID: "team-1",
		Team: &model.TeamPayload{Name: &name},
	})
	require.NoError(t, err)
	join, err := a.ApplyLocal(model.Operation{
		Entity: model.EntityTeam, Action: model.ActionAddMember, EntityID: "team-1",
		Team: &model.TeamPayload{Member: &member},
	})
	require.NoError(t, err)

	ops := []model.Operation{marker, relabel, team, join}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}}

	var want Snapshot
	for i, order := range orders {
		replica := newTestStore("site-z")
		for _, idx := range order {
			_, err := replica.ApplyRemote(ops[idx])
			require.NoError(t, err)
		}
		got := replica.Snapshot()
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want.Markers, got.Markers, "order %v", order)
		assert.Equal(t, want.Teams, got.Teams, "order %v", order)
		assert.Equal(t, want.Positions, got.Positions, "order %v", order)
	}
	assert.Equal(t, "rally point", want.Markers[marker.EntityID].Label)
	converged := want.Teams["team-1"]
	assert.Equal(t, []clock.ParticipantID{"site-a"}, converged.MemberIDs())
}

func TestDigestAndOpsSince_ReconcileTwoReplicas(t *testing.T) {
	a := newTestStore("site-a")
	b := newTestStore("site-b")

	_, err := a.ApplyLocal(localMarkerCreate("alpha marker"))
	require.NoError(t, err)
	_, err = b.ApplyLocal(localMarkerCreate("bravo marker"))
	require.NoError(t, err)

	// Exchange digests, then only the missing ops.
	missingForB := a.OpsSince(b.Digest())
	require.Len(t, missingForB, 1)
	missingForA := b.OpsSince(a.Digest())
	require.Len(t, missingForA, 1)

	for _, op := range missingForB {
		_, err := b.ApplyRemote(op)
		require.NoError(t, err)
	}
	for _, op := range missingForA {
		_, err := a.ApplyRemote(op)
		require.NoError(t, err)
	}

	assert.Equal(t, a.Snapshot().Markers, b.Snapshot().Markers)
	assert.Empty(t, a.OpsSince(b.Digest()), "replicas are in sync")
	assert.Empty(t, b.OpsSince(a.Digest()))
}

func TestSnapshot_DerivesTeamAndIsolation(t *testing.T) {
	s := newTestStore("site-a")

	member := clock.ParticipantID("site-a")
	name := "Alpha"
	_, err := s.ApplyLocal(model.Operation{
		Entity: model.EntityTeam, Action: model.ActionCreate, EntityID: "team-1",
		Team: &model.TeamPayload{Name: &name},
	})
	require.NoError(t, err)
	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityTeam, Action: model.ActionAddMember, EntityID: "team-1",
		Team: &model.TeamPayload{Member: &member},
	})
	require.NoError(t, err)

	callsign := "Bravo-2"
	_, err = s.ApplyLocal(model.Operation{
		Entity: model.EntityParticipant, Action: model.ActionAnnounce, EntityID: "site-a",
		Participant: &model.ParticipantPayload{Callsign: &callsign},
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "team-1", snap.Participants["site-a"].TeamID)

	// Mutating the snapshot must not leak back into the store.
	delete(snap.Teams["team-1"].Members, "site-a")
	again := s.Snapshot()
	assert.Contains(t, again.Teams["team-1"].Members, clock.ParticipantID("site-a"))
}

func TestSubscribe_DeliversChanges(t *testing.T) {
	s := newTestStore("site-a")
	ch, cancel := s.Subscribe(8)
	defer cancel()

	stamped, err := s.ApplyLocal(localMarkerCreate("watched"))
	require.NoError(t, err)

	select {
	case change := <-ch:
		assert.Equal(t, model.EntityMarker, change.Entity)
		assert.Equal(t, stamped.EntityID, change.EntityID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	// A replay changes nothing and must not notify.
	_, err = s.ApplyRemote(stamped)
	require.NoError(t, err)
	select {
	case change := <-ch:
		t.Fatalf("unexpected change %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func remoteMarkerCreate(site string, counter uint64, label string) model.Operation {
	return model.Operation{
		Entity:    model.EntityMarker,
		Action:    model.ActionCreate,
		EntityID:  fmt.Sprintf("%s-%d", site, counter),
		Origin:    clock.ParticipantID(site),
		Timestamp: clock.Timestamp{Counter: counter, Site: clock.ParticipantID(site)},
		Marker: &model.MarkerPayload{
			Coordinate: &model.Coordinate{Latitude: 51, Longitude: 7},
			Label:      &label,
		},
	}
}

func TestApplyRemote_HistoricalOpsDoNotRevivePresence(t *testing.T) {
	s := newTestStore("site-a")

	_, err := s.ApplyRemote(remoteMarkerCreate("site-b", 5, "live"))
	require.NoError(t, err)
	require.True(t, s.SetStatus("site-b", model.StatusOffline))

	// Anti-entropy backfills an older op we had missed. The participant
	// produced it before going quiet, so it says nothing about now.
	changed, err := s.ApplyRemote(remoteMarkerCreate("site-b", 3, "backfilled"))
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, model.StatusOffline, s.Snapshot().Participants["site-b"].Status,
		"replayed history must not mark the origin online")

	// A genuinely new op does.
	_, err = s.ApplyRemote(remoteMarkerCreate("site-b", 6, "fresh"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, s.Snapshot().Participants["site-b"].Status)
}

func TestSetStatus_NotifiesOnTransitionOnly(t *testing.T) {
	s := newTestStore("site-a")

	op := localPosition(51, 7)
	op.EntityID = "site-a"
	_, err := s.ApplyLocal(op)
	require.NoError(t, err)

	assert.True(t, s.SetStatus("site-a", model.StatusStale))
	assert.False(t, s.SetStatus("site-a", model.StatusStale), "no transition, no event")
	assert.False(t, s.SetStatus("unknown", model.StatusStale))
}
