package room

import (
	"encoding/json"
	"sort"
)

const (
	// MaxPlayerAttrs bounds the number of opaque attributes kept per player.
	MaxPlayerAttrs = 16
	// MaxPlayerAttrBytes bounds the encoded size of a single attribute value.
	MaxPlayerAttrBytes = 1024

	attrPlayerName = "player_name"
	attrSocketID   = "socketId"
)

// reservedAttrs are never copied into Attrs. Passwords would otherwise be
// broadcast to every member with users-updated.
var reservedAttrs = map[string]bool{
	"":              true,
	attrPlayerName:  true,
	attrSocketID:    true,
	"password":      true,
	"room_password": true,
}

// PlayerRecord is a member of a room. Name and ConnID are the typed fields the
// relay relies on; Attrs carries whatever else the client attached, verbatim.
type PlayerRecord struct {
	Name   string
	ConnID string
	Attrs  map[string]json.RawMessage
}

// NewPlayerRecord keeps at most MaxPlayerAttrs attributes from extra,
// choosing keys in lexical order and skipping oversized, invalid or reserved
// ones.
func NewPlayerRecord(name, connID string, extra map[string]json.RawMessage) PlayerRecord {
	p := PlayerRecord{Name: name, ConnID: connID}
	if len(extra) == 0 {
		return p
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		if reservedAttrs[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := extra[k]
		if len(v) == 0 || len(v) > MaxPlayerAttrBytes || !json.Valid(v) {
			continue
		}
		if p.Attrs == nil {
			p.Attrs = make(map[string]json.RawMessage)
		}
		p.Attrs[k] = v
		if len(p.Attrs) == MaxPlayerAttrs {
			break
		}
	}
	return p
}

// MarshalJSON flattens the record into the shape clients expect:
// {...attrs, "player_name": ..., "socketId": ...}.
func (p PlayerRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Attrs)+2)
	for k, v := range p.Attrs {
		out[k] = v
	}
	out[attrPlayerName] = p.Name
	out[attrSocketID] = p.ConnID
	return json.Marshal(out)
}

// Players maps player id to record.
type Players map[string]PlayerRecord
