package room_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*room.Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return room.NewRegistry(room.Config{Metrics: m, Logger: testLogger()}), m
}

func openReq(sessionID, playerID, connID string) room.OpenRequest {
	return room.OpenRequest{
		SessionID: sessionID,
		PlayerID:  playerID,
		ConnID:    connID,
		Player:    room.NewPlayerRecord(playerID+"-name", connID, nil),
	}
}

func joinReq(sessionID, playerID, connID string) room.JoinRequest {
	return room.JoinRequest{
		SessionID: sessionID,
		PlayerID:  playerID,
		ConnID:    connID,
		Player:    room.NewPlayerRecord(playerID+"-name", connID, nil),
	}
}

func TestRegistry_OpenAppliesDefaults(t *testing.T) {
	reg, m := newTestRegistry(t)

	notices, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, room.NoticeUsersUpdated, notices[0].Kind)
	assert.Equal(t, []string{"c1"}, notices[0].To)
	require.Contains(t, notices[0].Players, "P1")
	assert.Equal(t, "c1", notices[0].Players["P1"].ConnID)

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "Room S1", info.Name)
	assert.Equal(t, room.DefaultGameID, info.GameID)
	assert.Equal(t, room.DefaultDomain, info.Domain)
	assert.Equal(t, room.DefaultMaxPlayers, info.MaxPlayers)
	assert.Equal(t, "c1", info.Owner)
	assert.False(t, info.HasPassword)
	assert.Equal(t, uint64(1), m.Get(metrics.RoomOpened))
}

func TestRegistry_OpenRejects(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  room.OpenRequest
		want error
	}{
		{name: "missing session id", req: openReq("", "P1", "c2"), want: room.ErrInvalidRequest},
		{name: "missing player id", req: openReq("S2", "", "c2"), want: room.ErrInvalidRequest},
		{name: "duplicate session id", req: openReq("S1", "P9", "c9"), want: room.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Open(tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Len(t, info.Players, 1, "rejected open must not touch the existing room")
	assert.Equal(t, "c1", info.Owner)
}

func TestRegistry_MaxPlayersLimit(t *testing.T) {
	reg := room.NewRegistry(room.Config{DefaultMaxPlayers: 3, MaxPlayersLimit: 8, Logger: testLogger()})

	req := openReq("big", "P1", "c1")
	req.MaxPlayers = 100
	_, err := reg.Open(req)
	require.NoError(t, err)
	_, err = reg.Open(openReq("dflt", "P1", "c2"))
	require.NoError(t, err)

	big, err := reg.Get("big")
	require.NoError(t, err)
	assert.Equal(t, 8, big.MaxPlayers)

	dflt, err := reg.Get("dflt")
	require.NoError(t, err)
	assert.Equal(t, 3, dflt.MaxPlayers)
}

func TestRegistry_Join(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, reg *room.Registry)
		req   room.JoinRequest
		want  error
	}{
		{
			name: "missing ids",
			req:  joinReq("S1", "", "c2"),
			want: room.ErrInvalidRequest,
		},
		{
			name: "unknown room",
			req:  joinReq("nope", "P2", "c2"),
			want: room.ErrNotFound,
		},
		{
			name: "wrong password",
			setup: func(t *testing.T, reg *room.Registry) {
				req := openReq("S1", "P1", "c1")
				req.Password = "hunter2"
				_, err := reg.Open(req)
				require.NoError(t, err)
			},
			req: func() room.JoinRequest {
				r := joinReq("S1", "P2", "c2")
				r.Password = "hunter3"
				return r
			}(),
			want: room.ErrUnauthorized,
		},
		{
			name: "full",
			setup: func(t *testing.T, reg *room.Registry) {
				req := openReq("S1", "P1", "c1")
				req.MaxPlayers = 1
				_, err := reg.Open(req)
				require.NoError(t, err)
			},
			req:  joinReq("S1", "P2", "c2"),
			want: room.ErrFull,
		},
		{
			name: "duplicate player id",
			setup: func(t *testing.T, reg *room.Registry) {
				_, err := reg.Open(openReq("S1", "P1", "c1"))
				require.NoError(t, err)
			},
			req:  joinReq("S1", "P1", "c2"),
			want: room.ErrPlayerExists,
		},
		{
			name: "correct password",
			setup: func(t *testing.T, reg *room.Registry) {
				req := openReq("S1", "P1", "c1")
				req.Password = "hunter2"
				_, err := reg.Open(req)
				require.NoError(t, err)
			},
			req: func() room.JoinRequest {
				r := joinReq("S1", "P2", "c2")
				r.Password = "hunter2"
				return r
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			if tt.setup != nil {
				tt.setup(t, reg)
			}
			players, notices, err := reg.Join(tt.req)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				assert.Nil(t, players)
				assert.Nil(t, notices)
				return
			}
			require.NoError(t, err)
			assert.Len(t, players, 2)
			require.Len(t, notices, 1)
			assert.ElementsMatch(t, []string{"c1", "c2"}, notices[0].To)
		})
	}
}

func TestRegistry_ConcurrentJoinsRespectCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	req := openReq("S1", "host", "c-host")
	req.MaxPlayers = 3
	_, err := reg.Open(req)
	require.NoError(t, err)

	const joiners = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		full     int
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, _, err := reg.Join(joinReq("S1", "P"+id, "c"+id))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if errors.Is(err, room.ErrFull) {
				full++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.Equal(t, joiners-2, full)
	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Len(t, info.Players, 3)
}

func TestRegistry_LeaveNonOwner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "P2", "c2"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "P3", "c3"))
	require.NoError(t, err)
	require.True(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "c2"}))
	require.True(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "c3"}))

	notices := reg.Leave("S1", "P2", "c2")
	require.Len(t, notices, 1)
	assert.Equal(t, room.NoticeUsersUpdated, notices[0].Kind)
	assert.ElementsMatch(t, []string{"c1", "c3"}, notices[0].To)
	assert.NotContains(t, notices[0].Players, "P2")

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "c1", info.Owner)
	assert.Equal(t, []room.PeerLink{{Source: "c1", Target: "c3"}}, info.Peers)
}

func TestRegistry_OwnerMigration(t *testing.T) {
	reg, m := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "O", "cO"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "A", "cA"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "B", "cB"))
	require.NoError(t, err)
	require.True(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "cO", Target: "cB"}))

	notices := reg.Leave("S1", "O", "cO")
	require.Len(t, notices, 3)

	assert.Equal(t, room.NoticeUsersUpdated, notices[0].Kind)
	assert.ElementsMatch(t, []string{"cA", "cB"}, notices[0].To)

	assert.Equal(t, room.NoticeRenegotiate, notices[1].Kind)
	assert.Equal(t, []string{"cA"}, notices[1].To, "earliest joiner becomes owner")
	assert.Equal(t, "cB", notices[1].Target)

	assert.Equal(t, room.NoticeUsersUpdated, notices[2].Kind)
	assert.Len(t, notices[2].Players, 2)

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "cA", info.Owner)
	assert.Equal(t, []room.PeerLink{{Source: "cA", Target: "cB"}}, info.Peers)
	assert.Equal(t, uint64(1), m.Get(metrics.OwnerMigrated))
	assert.Equal(t, uint64(1), m.Get(metrics.RenegotiateIssued))
}

func TestRegistry_OwnerMigrationWithoutLinks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "O", "cO"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "A", "cA"))
	require.NoError(t, err)
	// The only link targets the successor; rewriting it would be a self-link.
	require.True(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "cO", Target: "cA"}))

	notices := reg.Leave("S1", "O", "cO")
	require.Len(t, notices, 2)
	for _, n := range notices {
		assert.Equal(t, room.NoticeUsersUpdated, n.Kind)
	}

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "cA", info.Owner)
	assert.Empty(t, info.Peers)
}

func TestRegistry_RepeatedOwnerDepartures(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)
	for _, id := range []string{"2", "3", "4"} {
		_, _, err := reg.Join(joinReq("S1", "P"+id, "c"+id))
		require.NoError(t, err)
	}

	for _, want := range []string{"c2", "c3", "c4"} {
		info, err := reg.Get("S1")
		require.NoError(t, err)
		var ownerPlayer string
		for id, p := range info.Players {
			if p.ConnID == info.Owner {
				ownerPlayer = id
			}
		}
		require.NotEmpty(t, ownerPlayer, "owner must always be a member")
		reg.Leave("S1", ownerPlayer, info.Owner)

		info, err = reg.Get("S1")
		require.NoError(t, err)
		assert.Equal(t, want, info.Owner)
	}

	reg.Leave("S1", "P4", "c4")
	_, err = reg.Get("S1")
	require.ErrorIs(t, err, room.ErrNotFound)
}

func TestRegistry_LastLeaveRemovesRoom(t *testing.T) {
	reg, m := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)

	assert.Nil(t, reg.Leave("S1", "P1", "c1"))
	_, err = reg.Get("S1")
	require.ErrorIs(t, err, room.ErrNotFound)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, uint64(1), m.Get(metrics.RoomClosed))

	_, err = reg.Open(openReq("S1", "P9", "c9"))
	require.NoError(t, err, "session id is reusable once the room is gone")
}

func TestRegistry_StaleLeaveIsNoop(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)

	assert.Nil(t, reg.Leave("S1", "P1", "other-conn"))
	assert.Nil(t, reg.Leave("S1", "ghost", "c1"))
	assert.Nil(t, reg.Leave("missing", "P1", "c1"))

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Len(t, info.Players, 1)
}

func TestRegistry_ListOpen(t *testing.T) {
	reg, _ := newTestRegistry(t)

	req := openReq("open", "P1", "c1")
	req.GameID = "42"
	req.RoomName = "Friday night"
	req.Password = "pw"
	req.Player = room.NewPlayerRecord("Alice", "c1", nil)
	_, err := reg.Open(req)
	require.NoError(t, err)

	full := openReq("full", "P2", "c2")
	full.GameID = "42"
	full.MaxPlayers = 1
	_, err = reg.Open(full)
	require.NoError(t, err)

	other := openReq("other", "P3", "c3")
	other.GameID = "7"
	_, err = reg.Open(other)
	require.NoError(t, err)

	got := reg.ListOpen("42")
	require.Len(t, got, 1)
	assert.Equal(t, room.Summary{
		RoomName:    "Friday night",
		Current:     1,
		Max:         room.DefaultMaxPlayers,
		PlayerName:  "Alice",
		HasPassword: true,
	}, got["open"])

	assert.Empty(t, reg.ListOpen("missing"))
	assert.Empty(t, reg.ListOpen(room.DefaultGameID))
	assert.Contains(t, reg.ListOpen("7"), "other")
}

func TestRegistry_RecordPeerLink(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "P2", "c2"))
	require.NoError(t, err)

	assert.True(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "c2"}))
	assert.False(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "c2"}), "duplicate")
	assert.False(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "c1"}), "self link")
	assert.False(t, reg.RecordPeerLink("S1", room.PeerLink{Source: "c1", Target: "stranger"}), "non-member")
	assert.False(t, reg.RecordPeerLink("nope", room.PeerLink{Source: "c1", Target: "c2"}), "unknown room")

	info, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Len(t, info.Peers, 1)
}

func TestRegistry_Recipients(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "P2", "c2"))
	require.NoError(t, err)
	_, _, err = reg.Join(joinReq("S1", "P3", "c3"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"c2", "c3"}, reg.Recipients("S1", "c1"))
	assert.Nil(t, reg.Recipients("S1", "stranger"))
	assert.Nil(t, reg.Recipients("missing", "c1"))
}

func TestRegistry_Delete(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open(openReq("S1", "P1", "c1"))
	require.NoError(t, err)

	reg.Delete("S1")
	reg.Delete("S1")
	_, err = reg.Get("S1")
	require.ErrorIs(t, err, room.ErrNotFound)
	assert.Nil(t, reg.Leave("S1", "P1", "c1"))
}

func TestPlayerRecord_MarshalFlattensAttrs(t *testing.T) {
	extra := map[string]json.RawMessage{
		"userid":      json.RawMessage(`"P1"`),
		"player_name": json.RawMessage(`"spoofed"`),
		"socketId":    json.RawMessage(`"spoofed"`),
		"color":       json.RawMessage(`{"r":1}`),
		"password":    json.RawMessage(`"hunter2"`),
	}
	rec := room.NewPlayerRecord("Alice", "c1", extra)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userid":"P1","color":{"r":1},"player_name":"Alice","socketId":"c1"}`, string(b))
}

func TestPlayerRecord_BoundsAttrs(t *testing.T) {
	extra := make(map[string]json.RawMessage)
	for i := 0; i < room.MaxPlayerAttrs+10; i++ {
		extra[string(rune('a'+i))] = json.RawMessage(`1`)
	}
	big := make([]byte, room.MaxPlayerAttrBytes+1)
	for i := range big {
		big[i] = '1'
	}
	extra["0big"] = json.RawMessage(big)
	extra["0bad"] = json.RawMessage(`{`)

	rec := room.NewPlayerRecord("n", "c", extra)
	assert.Len(t, rec.Attrs, room.MaxPlayerAttrs)
	assert.NotContains(t, rec.Attrs, "0big")
	assert.NotContains(t, rec.Attrs, "0bad")
	assert.Contains(t, rec.Attrs, "a")
}
