package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
)

// Client events.
const (
	EventOpenRoom     = "open-room"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventWebRTCSignal = "webrtc-signal"
	EventDataMessage  = "data-message"
	EventSnapshot     = "snapshot"
	EventInput        = "input"
)

// Server events.
const (
	EventConnected    = "connected"
	EventUsersUpdated = "users-updated"
	EventAck          = "ack"
)

const defaultPlayerName = "Unknown"

// Ack error strings. Clients match on these verbatim.
const (
	ackInvalidRequest = "Invalid data: sessionId and playerId required"
	ackConflict       = "Room already exists"
	ackNotFound       = "Room not found"
	ackUnauthorized   = "Incorrect password"
	ackFull           = "Room full"
	ackPlayerExists   = "Player already in room"
	ackInternal       = "Internal error"
)

var errMalformedFrame = errors.New("signaling: malformed frame")

// envelope is the client to server frame.
type envelope struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wantsAck reports whether the client attached an ack id.
func (e envelope) wantsAck() bool {
	id := bytes.TrimSpace(e.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// eventFrame is a server to client event.
type eventFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type ackFrame struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id"`
	Error *string         `json:"error"`
	Data  any             `json:"data,omitempty"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return envelope{}, fmt.Errorf("%w: missing type", errMalformedFrame)
	}
	return env, nil
}

// openRoomData is the open-room payload. Identity fields live in extra; the
// rest of extra is kept as player attributes.
type openRoomData struct {
	Extra      map[string]json.RawMessage `json:"extra"`
	MaxPlayers json.RawMessage            `json:"maxPlayers"`
	Password   json.RawMessage            `json:"password"`
}

type joinRoomData struct {
	Extra    map[string]json.RawMessage `json:"extra"`
	Password json.RawMessage            `json:"password"`
}

func parseOpenRoom(raw json.RawMessage, connID string) (room.OpenRequest, error) {
	var d openRoomData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return room.OpenRequest{}, room.ErrInvalidRequest
		}
	}
	playerID := scalarString(d.Extra["userid"])
	if playerID == "" {
		playerID = scalarString(d.Extra["playerId"])
	}
	req := room.OpenRequest{
		SessionID:  scalarString(d.Extra["sessionid"]),
		PlayerID:   playerID,
		ConnID:     connID,
		RoomName:   scalarString(d.Extra["room_name"]),
		GameID:     scalarString(d.Extra["game_id"]),
		Domain:     scalarString(d.Extra["domain"]),
		Password:   scalarString(d.Password),
		MaxPlayers: scalarInt(d.MaxPlayers),
		Player:     room.NewPlayerRecord(playerName(d.Extra), connID, d.Extra),
	}
	if req.SessionID == "" || req.PlayerID == "" {
		return room.OpenRequest{}, room.ErrInvalidRequest
	}
	return req, nil
}

func parseJoinRoom(raw json.RawMessage, connID string) (room.JoinRequest, error) {
	var d joinRoomData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return room.JoinRequest{}, room.ErrInvalidRequest
		}
	}
	req := room.JoinRequest{
		SessionID: scalarString(d.Extra["sessionid"]),
		PlayerID:  scalarString(d.Extra["userid"]),
		ConnID:    connID,
		Password:  scalarString(d.Password),
		Player:    room.NewPlayerRecord(playerName(d.Extra), connID, d.Extra),
	}
	if req.SessionID == "" || req.PlayerID == "" {
		return room.JoinRequest{}, room.ErrInvalidRequest
	}
	return req, nil
}

func playerName(extra map[string]json.RawMessage) string {
	if name := scalarString(extra["player_name"]); name != "" {
		return name
	}
	return defaultPlayerName
}

// scalarString reads a JSON string or number as text. Anything else,
// including null, reads as "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		return n.String()
	default:
		return ""
	}
}

// scalarInt reads a JSON number or numeric string. Invalid input reads as 0,
// which selects the room default.
func scalarInt(raw json.RawMessage) int {
	n, err := strconv.Atoi(scalarString(raw))
	if err != nil {
		return 0
	}
	return n
}

// ackMessage maps room errors onto the strings clients display.
func ackMessage(err error) string {
	switch {
	case errors.Is(err, room.ErrInvalidRequest):
		return ackInvalidRequest
	case errors.Is(err, room.ErrConflict):
		return ackConflict
	case errors.Is(err, room.ErrNotFound):
		return ackNotFound
	case errors.Is(err, room.ErrUnauthorized):
		return ackUnauthorized
	case errors.Is(err, room.ErrFull):
		return ackFull
	case errors.Is(err, room.ErrPlayerExists):
		return ackPlayerExists
	default:
		return ackInternal
	}
}

// signalIn is the webrtc-signal payload from a client. Negotiation bodies
// are relayed without inspection.
type signalIn struct {
	Target             string          `json:"target"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	Offer              json.RawMessage `json:"offer,omitempty"`
	Answer             json.RawMessage `json:"answer,omitempty"`
	RequestRenegotiate bool            `json:"requestRenegotiate,omitempty"`
}

// signalOut is the webrtc-signal payload delivered to a client.
type signalOut struct {
	Sender             string          `json:"sender,omitempty"`
	Target             string          `json:"target,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	Offer              json.RawMessage `json:"offer,omitempty"`
	Answer             json.RawMessage `json:"answer,omitempty"`
	RequestRenegotiate bool            `json:"requestRenegotiate,omitempty"`
}

func hasPayload(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func encodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(eventFrame{Type: event, Data: data})
}

func encodeAck(id json.RawMessage, err error, data any) ([]byte, error) {
	frame := ackFrame{Type: EventAck, ID: id, Data: data}
	if err != nil {
		msg := ackMessage(err)
		frame.Error = &msg
	}
	return json.Marshal(frame)
}
