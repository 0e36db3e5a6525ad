// Package signaling serves the netplay event channel: a WebSocket per client
// carrying room open/join/leave requests, WebRTC negotiation payloads relayed
// between peers, and application messages broadcast to the rest of a room.
//
// Room state lives in the room package; this package binds connections to
// rooms and delivers the notices room mutations produce.
package signaling
