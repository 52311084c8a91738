package services

import "sync"

type RoomEventKind string

const (
	RoomEventParticipantJoined RoomEventKind = "participant_joined"
	RoomEventParticipantLeft   RoomEventKind = "participant_left"
	RoomEventTrackPublished    RoomEventKind = "track_published"
	RoomEventFinished          RoomEventKind = "room_finished"
)

// RoomEvent is one participant-lifecycle signal from the media service,
// keyed by participant identity.
type RoomEvent struct {
	Kind     RoomEventKind `json:"kind"`
	Room     string        `json:"room"`
	Identity string        `json:"identity"`
}

type roomSub struct {
	room string
	ch   chan RoomEvent
}

// RoomMonitor fans media-service room events (fed by the webhook route) out
// to whoever watches a room.
type RoomMonitor struct {
	mu      sync.Mutex
	subs    map[uint64]roomSub
	nextSub uint64
}

func NewRoomMonitor() *RoomMonitor {
	return &RoomMonitor{subs: make(map[uint64]roomSub)}
}

func (m *RoomMonitor) Watch(room string) (<-chan RoomEvent, func()) {
	ch := make(chan RoomEvent, 8)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = roomSub{room: room, ch: ch}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
		m.mu.Unlock()
	}
}

// Publish delivers without blocking; a stalled watcher loses events and the
// session feed remains its backstop.
func (m *RoomMonitor) Publish(ev RoomEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.room != ev.Room {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
