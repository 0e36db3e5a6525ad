package room

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
)

const DefaultMaxPlayers = 4

// Config controls room defaults. Zero values select defaults.
type Config struct {
	// DefaultMaxPlayers applies when an open request doesn't set a capacity.
	DefaultMaxPlayers int
	// MaxPlayersLimit caps requested capacities. <= 0 means uncapped.
	MaxPlayersLimit int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// OpenRequest creates a room with the caller as its only player and owner.
type OpenRequest struct {
	SessionID  string
	PlayerID   string
	ConnID     string
	RoomName   string
	GameID     string
	Domain     string
	Password   string
	MaxPlayers int
	Player     PlayerRecord
}

type JoinRequest struct {
	SessionID string
	PlayerID  string
	ConnID    string
	Password  string
	Player    PlayerRecord
}

// Registry owns every room. Lock order is registry then room; a room lock is
// never held while acquiring the registry lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	defaultMaxPlayers int
	maxPlayersLimit   int

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultMaxPlayers <= 0 {
		cfg.DefaultMaxPlayers = DefaultMaxPlayers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		rooms:             make(map[string]*Room),
		defaultMaxPlayers: cfg.DefaultMaxPlayers,
		maxPlayersLimit:   cfg.MaxPlayersLimit,
		metrics:           cfg.Metrics,
		log:               cfg.Logger,
		now:               cfg.Now,
	}
}

func (r *Registry) effectiveMaxPlayers(requested int) int {
	n := requested
	if n <= 0 {
		n = r.defaultMaxPlayers
	}
	if r.maxPlayersLimit > 0 && n > r.maxPlayersLimit {
		n = r.maxPlayersLimit
	}
	return n
}

func (r *Registry) lookup(sessionID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[sessionID]
}

// Open creates a room. A closed room still present under the same id is
// replaced.
func (r *Registry) Open(req OpenRequest) ([]Notice, error) {
	if req.SessionID == "" || req.PlayerID == "" {
		r.metrics.Inc(metrics.OpenRejected)
		return nil, ErrInvalidRequest
	}

	rm := newRoom(req, r.effectiveMaxPlayers(req.MaxPlayers), r.now())

	r.mu.Lock()
	if existing, ok := r.rooms[req.SessionID]; ok {
		existing.mu.Lock()
		closed := existing.closed
		existing.mu.Unlock()
		if !closed {
			r.mu.Unlock()
			r.metrics.Inc(metrics.OpenRejected)
			return nil, fmt.Errorf("open %q: %w", req.SessionID, ErrConflict)
		}
	}
	r.rooms[req.SessionID] = rm
	rm.mu.Lock()
	notices := []Notice{rm.usersUpdatedLocked()}
	rm.mu.Unlock()
	r.mu.Unlock()

	r.metrics.Inc(metrics.RoomOpened)
	r.log.Info("room opened",
		"session_id", req.SessionID,
		"player_id", req.PlayerID,
		"conn_id", req.ConnID,
		"game_id", rm.gameID,
		"max_players", rm.maxPlayers,
		"has_password", rm.password != "",
	)
	return notices, nil
}

// Join adds a player to an existing room and returns the resulting players.
func (r *Registry) Join(req JoinRequest) (Players, []Notice, error) {
	if req.SessionID == "" || req.PlayerID == "" {
		r.metrics.Inc(metrics.JoinRejected)
		return nil, nil, ErrInvalidRequest
	}

	players, notices, err := r.join(req)
	if err != nil {
		r.metrics.Inc(metrics.JoinRejected)
		return nil, nil, fmt.Errorf("join %q: %w", req.SessionID, err)
	}

	r.metrics.Inc(metrics.RoomJoined)
	r.log.Info("room joined",
		"session_id", req.SessionID,
		"player_id", req.PlayerID,
		"conn_id", req.ConnID,
		"players", len(players),
	)
	return players, notices, nil
}

func (r *Registry) join(req JoinRequest) (Players, []Notice, error) {
	rm := r.lookup(req.SessionID)
	if rm == nil {
		return nil, nil, ErrNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return nil, nil, ErrNotFound
	}
	if rm.password != "" && subtle.ConstantTimeCompare([]byte(rm.password), []byte(req.Password)) != 1 {
		return nil, nil, ErrUnauthorized
	}
	if len(rm.players) >= rm.maxPlayers {
		return nil, nil, ErrFull
	}
	if _, exists := rm.players[req.PlayerID]; exists {
		return nil, nil, ErrPlayerExists
	}

	rm.addLocked(req.PlayerID, req.Player, req.ConnID)
	return rm.playersLocked(), []Notice{rm.usersUpdatedLocked()}, nil
}

// Leave removes the player bound to connID. It serves both explicit leaves
// and transport disconnects; a stale or unknown binding is a no-op.
func (r *Registry) Leave(sessionID, playerID, connID string) []Notice {
	rm := r.lookup(sessionID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil
	}
	m, ok := rm.players[playerID]
	if !ok || m.record.ConnID != connID {
		rm.mu.Unlock()
		return nil
	}

	delete(rm.players, playerID)
	wasOwner := rm.owner == connID
	r.metrics.Inc(metrics.RoomLeft)

	if len(rm.players) == 0 {
		rm.closed = true
		rm.owner = ""
		rm.peers = nil
		rm.mu.Unlock()

		r.mu.Lock()
		if r.rooms[sessionID] == rm {
			delete(r.rooms, sessionID)
		}
		r.mu.Unlock()

		r.metrics.Inc(metrics.RoomClosed)
		r.log.Info("room closed", "session_id", sessionID, "last_player_id", playerID)
		return nil
	}

	rm.removeConnLinksLocked(connID, wasOwner)
	notices := []Notice{rm.usersUpdatedLocked()}
	if wasOwner {
		notices = append(notices, r.migrateOwnerLocked(rm, connID)...)
	}
	rm.mu.Unlock()

	r.log.Info("room left",
		"session_id", sessionID,
		"player_id", playerID,
		"conn_id", connID,
		"was_owner", wasOwner,
	)
	return notices
}

// migrateOwnerLocked hands ownership to the earliest-joined remaining player,
// repairs links sourced by the old owner and asks the new owner to
// renegotiate with the first remaining link target.
func (r *Registry) migrateOwnerLocked(rm *Room, oldOwner string) []Notice {
	next := rm.successorLocked()
	if next == nil {
		rm.owner = ""
		return nil
	}
	rm.owner = next.record.ConnID
	rm.rewriteSourceLocked(oldOwner, rm.owner)
	r.metrics.Inc(metrics.OwnerMigrated)
	r.log.Info("room owner migrated",
		"session_id", rm.id,
		"old_owner", oldOwner,
		"new_owner", rm.owner,
		"peers", len(rm.peers),
	)

	var notices []Notice
	if len(rm.peers) > 0 {
		r.metrics.Inc(metrics.RenegotiateIssued)
		notices = append(notices, Notice{
			Kind:   NoticeRenegotiate,
			To:     []string{rm.owner},
			Target: rm.peers[0].Target,
		})
	}
	return append(notices, rm.usersUpdatedLocked())
}

// RecordPeerLink notes that source is negotiating with target. Both must be
// members of the room; duplicates are ignored.
func (r *Registry) RecordPeerLink(sessionID string, link PeerLink) bool {
	if link.Source == "" || link.Target == "" || link.Source == link.Target {
		return false
	}
	rm := r.lookup(sessionID)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || !rm.hasConnLocked(link.Source) || !rm.hasConnLocked(link.Target) {
		return false
	}
	for _, l := range rm.peers {
		if l == link {
			return false
		}
	}
	rm.peers = append(rm.peers, link)
	return true
}

// Recipients returns the connections of every member except the sender, or
// nil if the sender is not a member.
func (r *Registry) Recipients(sessionID, senderConnID string) []string {
	rm := r.lookup(sessionID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || !rm.hasConnLocked(senderConnID) {
		return nil
	}
	return rm.connsLocked(senderConnID)
}

func (r *Registry) Get(sessionID string) (Info, error) {
	rm := r.lookup(sessionID)
	if rm == nil {
		return Info{}, ErrNotFound
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return Info{}, ErrNotFound
	}
	return rm.infoLocked(), nil
}

func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	rm.mu.Lock()
	rm.closed = true
	rm.mu.Unlock()
	delete(r.rooms, sessionID)
}

// ListOpen summarizes rooms for gameID that still have a free slot.
func (r *Registry) ListOpen(gameID string) map[string]Summary {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make(map[string]Summary)
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed && rm.gameID == gameID && len(rm.players) < rm.maxPlayers {
			out[rm.id] = Summary{
				RoomName:    rm.name,
				Current:     len(rm.players),
				Max:         rm.maxPlayers,
				PlayerName:  rm.ownerNameLocked(),
				HasPassword: rm.password != "",
			}
		}
		rm.mu.Unlock()
	}
	return out
}

// Reap deletes rooms with no players and returns how many were removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rm := range r.rooms {
		rm.mu.Lock()
		switch {
		case rm.closed:
			// Leave closed it and will remove it; already counted as closed.
			delete(r.rooms, id)
		case len(rm.players) == 0:
			rm.closed = true
			delete(r.rooms, id)
			n++
		}
		rm.mu.Unlock()
	}
	r.metrics.Add(metrics.RoomReaped, uint64(n))
	return n
}

// Len reports the number of rooms in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
