package room

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultGameID = "default"
	DefaultDomain = "unknown"
	unknownOwner  = "Unknown"
)

// PeerLink is a directed negotiation relationship between two connections.
type PeerLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NoticeKind identifies an outbound notification computed by a room mutation.
type NoticeKind int

const (
	// NoticeUsersUpdated carries the membership snapshot in Players.
	NoticeUsersUpdated NoticeKind = iota + 1
	// NoticeRenegotiate asks the connection in To to renegotiate with Target.
	NoticeRenegotiate
)

// Notice is produced while the room lock is held and delivered by the caller
// after it is released. Order within a returned slice is delivery order.
type Notice struct {
	Kind    NoticeKind
	To      []string
	Players Players
	Target  string
}

// Info is a copy of a room's state.
type Info struct {
	SessionID   string
	Name        string
	GameID      string
	Domain      string
	HasPassword bool
	MaxPlayers  int
	Owner       string
	Players     Players
	Peers       []PeerLink
	CreatedAt   time.Time
}

// Summary is the listing view of an open room.
type Summary struct {
	RoomName    string `json:"room_name"`
	Current     int    `json:"current"`
	Max         int    `json:"max"`
	PlayerName  string `json:"player_name"`
	HasPassword bool   `json:"hasPassword"`
}

type member struct {
	record PlayerRecord
	// seq is the join order within the room; the lowest remaining seq is the
	// next owner.
	seq uint64
}

// Room is guarded by mu. A closed room has been (or is about to be) removed
// from the registry and must not be mutated.
type Room struct {
	mu sync.Mutex

	id         string
	name       string
	gameID     string
	domain     string
	password   string
	maxPlayers int
	createdAt  time.Time

	owner   string
	players map[string]*member
	peers   []PeerLink
	nextSeq uint64
	closed  bool
}

func newRoom(req OpenRequest, maxPlayers int, now time.Time) *Room {
	name := req.RoomName
	if name == "" {
		name = fmt.Sprintf("Room %s", req.SessionID)
	}
	gameID := req.GameID
	if gameID == "" {
		gameID = DefaultGameID
	}
	domain := req.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	rm := &Room{
		id:         req.SessionID,
		name:       name,
		gameID:     gameID,
		domain:     domain,
		password:   req.Password,
		maxPlayers: maxPlayers,
		createdAt:  now,
		owner:      req.ConnID,
		players:    make(map[string]*member),
	}
	rm.addLocked(req.PlayerID, req.Player, req.ConnID)
	return rm
}

func (rm *Room) addLocked(playerID string, rec PlayerRecord, connID string) {
	rec.ConnID = connID
	rm.players[playerID] = &member{record: rec, seq: rm.nextSeq}
	rm.nextSeq++
}

func (rm *Room) playersLocked() Players {
	out := make(Players, len(rm.players))
	for id, m := range rm.players {
		out[id] = m.record
	}
	return out
}

func (rm *Room) connsLocked(except string) []string {
	out := make([]string, 0, len(rm.players))
	for _, m := range rm.players {
		if m.record.ConnID == except {
			continue
		}
		out = append(out, m.record.ConnID)
	}
	return out
}

func (rm *Room) hasConnLocked(connID string) bool {
	for _, m := range rm.players {
		if m.record.ConnID == connID {
			return true
		}
	}
	return false
}

func (rm *Room) usersUpdatedLocked() Notice {
	return Notice{
		Kind:    NoticeUsersUpdated,
		To:      rm.connsLocked(""),
		Players: rm.playersLocked(),
	}
}

// successorLocked returns the earliest-joined remaining member.
func (rm *Room) successorLocked() *member {
	var best *member
	for _, m := range rm.players {
		if best == nil || m.seq < best.seq {
			best = m
		}
	}
	return best
}

func (rm *Room) ownerNameLocked() string {
	for _, m := range rm.players {
		if m.record.ConnID == rm.owner {
			return m.record.Name
		}
	}
	return unknownOwner
}

func (rm *Room) infoLocked() Info {
	peers := make([]PeerLink, len(rm.peers))
	copy(peers, rm.peers)
	return Info{
		SessionID:   rm.id,
		Name:        rm.name,
		GameID:      rm.gameID,
		Domain:      rm.domain,
		HasPassword: rm.password != "",
		MaxPlayers:  rm.maxPlayers,
		Owner:       rm.owner,
		Players:     rm.playersLocked(),
		Peers:       peers,
		CreatedAt:   rm.createdAt,
	}
}

// removeConnLinksLocked drops links naming connID. When keepSourced is set,
// links sourced by connID survive so ownership migration can rewrite them.
func (rm *Room) removeConnLinksLocked(connID string, keepSourced bool) {
	kept := rm.peers[:0]
	for _, l := range rm.peers {
		if l.Target == connID {
			continue
		}
		if l.Source == connID && !keepSourced {
			continue
		}
		kept = append(kept, l)
	}
	rm.peers = kept
}

// rewriteSourceLocked moves links sourced by from onto to, dropping
// self-links and duplicates the rewrite produces.
func (rm *Room) rewriteSourceLocked(from, to string) {
	seen := make(map[PeerLink]struct{}, len(rm.peers))
	kept := rm.peers[:0]
	for _, l := range rm.peers {
		if l.Source == from {
			l.Source = to
		}
		if l.Source == l.Target {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		kept = append(kept, l)
	}
	rm.peers = kept
}
