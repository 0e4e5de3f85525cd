package core

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/metrics"
)

type SocketID string

type socketEntry struct {
	conn       SignalConnection
	attachment json.RawMessage
	seq        uint64
}

// AttachedSocket is a snapshot of one socket held for an actor.
type AttachedSocket struct {
	ID         SocketID
	Conn       SignalConnection
	Attachment json.RawMessage
}

// Decode unmarshals the attachment into dst. It reports false when the
// socket carries no attachment.
func (s AttachedSocket) Decode(dst any) (bool, error) {
	if len(s.Attachment) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(s.Attachment, dst)
}

// SocketSet holds open sockets on behalf of actors. It outlives actor
// instances, so a hibernated actor's sockets stay open and can be listed by
// its successor together with their serialized attachments.
type SocketSet struct {
	namespace string

	mu      sync.RWMutex
	owners  map[string]map[SocketID]*socketEntry
	nextSeq uint64
}

func NewSocketSet(namespace string) *SocketSet {
	return &SocketSet{
		namespace: namespace,
		owners:    make(map[string]map[SocketID]*socketEntry),
	}
}

// Add registers a socket for owner with an optional attachment.
func (s *SocketSet) Add(owner string, id SocketID, conn SignalConnection, attachment any) error {
	raw, err := marshalAttachment(attachment)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[owner]
	if !ok {
		set = make(map[SocketID]*socketEntry)
		s.owners[owner] = set
	}
	if _, exists := set[id]; !exists {
		metrics.SocketsAttached.WithLabelValues(s.namespace).Inc()
	}
	s.nextSeq++
	set[id] = &socketEntry{conn: conn, attachment: raw, seq: s.nextSeq}
	log.Debug().Str("module", "core.sockets").Str("namespace", s.namespace).Str("owner", owner).Str("socket", string(id)).Msg("socket added")
	return nil
}

// SetAttachment replaces the attachment of an attached socket.
func (s *SocketSet) SetAttachment(owner string, id SocketID, attachment any) error {
	raw, err := marshalAttachment(attachment)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.owners[owner][id]; ok {
		e.attachment = raw
	}
	return nil
}

func (s *SocketSet) Get(owner string, id SocketID) (SignalConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.owners[owner][id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Remove forgets the socket. It does not close it.
func (s *SocketSet) Remove(owner string, id SocketID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[owner]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.owners, owner)
	}
	metrics.SocketsAttached.WithLabelValues(s.namespace).Dec()
	log.Debug().Str("module", "core.sockets").Str("namespace", s.namespace).Str("owner", owner).Str("socket", string(id)).Msg("socket removed")
	return true
}

// List returns the sockets of owner in attach order.
func (s *SocketSet) List(owner string) []AttachedSocket {
	s.mu.RLock()
	set := s.owners[owner]
	type ordered struct {
		seq uint64
		AttachedSocket
	}
	tmp := make([]ordered, 0, len(set))
	for id, e := range set {
		tmp = append(tmp, ordered{seq: e.seq, AttachedSocket: AttachedSocket{ID: id, Conn: e.conn, Attachment: e.attachment}})
	}
	s.mu.RUnlock()

	sort.Slice(tmp, func(i, j int) bool { return tmp[i].seq < tmp[j].seq })
	out := make([]AttachedSocket, len(tmp))
	for i := range tmp {
		out[i] = tmp[i].AttachedSocket
	}
	return out
}

func (s *SocketSet) Count(owner string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owners[owner])
}

func marshalAttachment(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
