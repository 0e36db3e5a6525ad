package metrics

import "sync"

// Event counter names.
const (
	RoomOpened        = "room_opened"
	RoomJoined        = "room_joined"
	RoomLeft          = "room_left"
	RoomClosed        = "room_closed"
	RoomReaped        = "room_reaped"
	OwnerMigrated     = "owner_migrated"
	RenegotiateIssued = "renegotiate_issued"

	OpenRejected = "open_rejected"
	JoinRejected = "join_rejected"

	SignalRelayed       = "signal_relayed"
	SignalMissingTarget = "signal_missing_target"
	SignalTargetGone    = "signal_target_gone"
	BroadcastRelayed    = "broadcast_relayed"
	BroadcastUnbound    = "broadcast_unbound"

	ConnectionOpened  = "connection_opened"
	ConnectionClosed  = "connection_closed"
	MalformedMessage  = "malformed_message"
	UnknownEvent      = "unknown_event"
	SendQueueOverflow = "send_queue_overflow"

	DropReasonRateLimited = "rate_limited"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
