package room

import (
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

const (
	joinCodeLen      int    = 6
	joinCodeAlphabet string = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type ServerOptions struct {
	ServerID netid.ID
	Pool     *envelope.Pool

	// Rand generates join codes; a nil Rand uses the package generator.
	Rand *rand.Rand

	LogPrefix string
	LogDebug  bool
}

type member struct {
	conn transport.Connection
	peer *m.Peer
	room *roomState
}

type roomState struct {
	room    *m.Room
	members []*member // join order
	blobs   map[string][]byte
}

// Server is the authoritative room registry. A connection stays unassigned
// until its first successful Join.
//
// All methods are invoked on the tick goroutine.
type Server struct {
	options *ServerOptions

	txseqGen atomic.Uint64

	conns   []transport.Connection
	members map[transport.Connection]*member
	rooms   map[string]*roomState // room uuid -> room
	codes   map[string]*roomState // upper case join code -> room
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.ServerID.IsNull() {
		err := fmt.Errorf("%s: null ServerID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Pool == nil {
		err := fmt.Errorf("%s: nil Pool", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	s := &Server{
		options: options,
		conns:   nil,
		members: make(map[transport.Connection]*member),
		rooms:   make(map[string]*roomState),
		codes:   make(map[string]*roomState),
	}

	return s, nil
}

func (s *Server) Accept(c transport.Connection) {
	s.conns = append(s.conns, c)
	log.Printf("%s: %s: accepted, connections=%d", s.options.LogPrefix, c.String(), len(s.conns))
}

func (s *Server) ConnectionCount() int {
	return len(s.conns)
}

func (s *Server) RoomCount() int {
	return len(s.rooms)
}

// Rooms returns snapshots ordered by name.
func (s *Server) Rooms() []*m.Room {
	rooms := make([]*m.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		rooms = append(rooms, rs.room.Clone())
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name == rooms[j].Name {
			return rooms[i].UUID < rooms[j].UUID
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms
}

// Members returns the peers of a room in join order.
func (s *Server) Members(roomUUID string) []*m.Peer {
	rs, found := s.rooms[roomUUID]
	if !found {
		return nil
	}
	peers := make([]*m.Peer, 0, len(rs.members))
	for _, mem := range rs.members {
		peers = append(peers, mem.peer.Clone())
	}
	return peers
}

// Tick drains every connection, then drops the ones that have closed.
func (s *Server) Tick() int {
	count := 0

	for i := 0; i < len(s.conns); {
		c := s.conns[i]

		// a reader may queue its last frame and close after our final Receive
		closed := c.Closed()

		for {
			e, ok := c.Receive()
			if !ok {
				break
			}
			count++
			s.handle(c, e)
			e.Release()
		}

		if closed {
			s.removeMember(c, "connection closed")
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			log.Printf("%s: %s: dropped, connections=%d", s.options.LogPrefix, c.String(), len(s.conns))
			continue
		}
		i++
	}

	return count
}

func (s *Server) Close() {
	for _, c := range s.conns {
		c.Close()
		for {
			e, ok := c.Receive()
			if !ok {
				break
			}
			e.Release()
		}
	}
	s.conns = nil
	clear(s.members)
	clear(s.rooms)
	clear(s.codes)
}

func (s *Server) handle(c transport.Connection, e *envelope.Envelope) {
	if e.Target() != s.options.ServerID {
		s.relay(c, e)
		return
	}

	messageStruct, err := m.Decode(e)
	if err != nil {
		log.Printf("%s: %s: dropping message, %s", s.options.LogPrefix, c.String(), err.Error())
		return
	}
	if s.options.LogDebug {
		log.Printf("%s: %s: received kind=%s", s.options.LogPrefix, c.String(), messageStruct.Kind())
	}

	switch messageStruct.Kind() {
	case m.KindJoin:
		s.join(c, messageStruct.Join)
	case m.KindLeave:
		s.removeMember(c, "left")
	case m.KindUpdatePeer:
		s.updatePeer(c, messageStruct.UpdatePeer)
	case m.KindUpdateRoom:
		s.updateRoom(c, messageStruct.UpdateRoom)
	case m.KindRequestRooms:
		s.requestRooms(c, messageStruct.RequestRooms)
	case m.KindGetBlob:
		s.getBlob(c, messageStruct.GetBlob)
	case m.KindSetBlob:
		s.setBlob(c, messageStruct.SetBlob)
	default:
		log.Printf("%s: %s: cannot process kind=%s", s.options.LogPrefix, c.String(), messageStruct.Kind())
	}
}

// relay passes non-command traffic to every other member of the sender's room.
func (s *Server) relay(c transport.Connection, e *envelope.Envelope) {
	mem, found := s.members[c]
	if !found {
		log.Printf("%s: %s: not in a room, dropping %d bytes for target=%s", s.options.LogPrefix, c.String(), e.Len(), e.Target())
		return
	}

	for _, other := range mem.room.members {
		if other == mem {
			continue
		}
		other.conn.Send(e)
	}
}

func (s *Server) send(c transport.Connection, target netid.ID, messageStruct *m.Message) {
	messageStruct.Txseq = s.txseqGen.Add(1)
	messageStruct.Txtime = time.Now().UTC().UnixMilli()

	e, err := m.Encode(s.options.Pool, target, messageStruct)
	if err != nil {
		log.Printf("%s: %s: %s", s.options.LogPrefix, c.String(), err.Error())
		return
	}
	defer e.Release()

	c.Send(e)
}

func (s *Server) broadcast(rs *roomState, except *member, build func() *m.Message) {
	for _, other := range rs.members {
		if other == except {
			continue
		}
		s.send(other.conn, other.peer.NetworkID, build())
	}
}

func (s *Server) reject(c transport.Connection, join *m.Join, reason string) {
	log.Printf("%s: %s: join rejected, reason=%s", s.options.LogPrefix, c.String(), reason)

	target := netid.Null
	if join.Peer != nil {
		target = join.Peer.NetworkID
	}

	s.send(c, target, &m.Message{
		Rejected: &m.Rejected{
			Reason:   reason,
			JoinArgs: join,
		},
	})
}

func (s *Server) generateJoinCode() string {
	for {
		var sb strings.Builder
		for i := 0; i < joinCodeLen; i++ {
			var n int
			if s.options.Rand != nil {
				n = s.options.Rand.IntN(len(joinCodeAlphabet))
			} else {
				n = rand.IntN(len(joinCodeAlphabet))
			}
			sb.WriteByte(joinCodeAlphabet[n])
		}

		code := sb.String()
		if _, taken := s.codes[code]; !taken {
			return code
		}
	}
}

func (s *Server) join(c transport.Connection, join *m.Join) {
	if join.Peer == nil || join.Peer.UUID == "" || join.Peer.NetworkID.IsNull() {
		s.reject(c, join, "invalid peer")
		return
	}

	if mem, found := s.members[c]; found {
		s.reject(c, join, fmt.Sprintf("already joined room %s", mem.room.room.UUID))
		return
	}

	var rs *roomState
	if join.JoinCode == "" {
		rs = &roomState{
			room: &m.Room{
				UUID:       uuid.NewString(),
				Name:       join.Name,
				JoinCode:   s.generateJoinCode(),
				Publish:    join.Publish,
				Properties: make(map[string]string),
			},
			members: nil,
			blobs:   make(map[string][]byte),
		}
		s.rooms[rs.room.UUID] = rs
		s.codes[rs.room.JoinCode] = rs

		log.Printf("%s: %s: created room uuid=%s, name=%s, code=%s", s.options.LogPrefix, c.String(), rs.room.UUID, rs.room.Name, rs.room.JoinCode)
	} else {
		var found bool
		rs, found = s.codes[strings.ToUpper(strings.TrimSpace(join.JoinCode))]
		if !found {
			s.reject(c, join, fmt.Sprintf("no room with join code %s", join.JoinCode))
			return
		}
	}

	peers := make([]*m.Peer, 0, len(rs.members))
	for _, other := range rs.members {
		peers = append(peers, other.peer.Clone())
	}

	mem := &member{
		conn: c,
		peer: join.Peer.Clone(),
		room: rs,
	}
	if mem.peer.Properties == nil {
		mem.peer.Properties = make(map[string]string)
	}
	rs.members = append(rs.members, mem)
	s.members[c] = mem

	log.Printf("%s: %s: peer %s joined room %s, members=%d", s.options.LogPrefix, c.String(), mem.peer.UUID, rs.room.UUID, len(rs.members))

	s.send(c, mem.peer.NetworkID, &m.Message{
		Accepted: &m.Accepted{
			Room:  rs.room.Clone(),
			Peers: peers,
		},
	})

	s.broadcast(rs, mem, func() *m.Message {
		return &m.Message{
			UpdatePeer: &m.UpdatePeer{
				Peer: mem.peer.Clone(),
			},
		}
	})
}

// removeMember returns the connection to the unassigned set. A room is
// deleted with its last member.
func (s *Server) removeMember(c transport.Connection, reason string) {
	mem, found := s.members[c]
	if !found {
		return
	}
	delete(s.members, c)

	rs := mem.room
	for i, other := range rs.members {
		if other == mem {
			rs.members = append(rs.members[:i], rs.members[i+1:]...)
			break
		}
	}

	log.Printf("%s: %s: peer %s removed from room %s, reason=%s, members=%d", s.options.LogPrefix, c.String(), mem.peer.UUID, rs.room.UUID, reason, len(rs.members))

	if len(rs.members) == 0 {
		delete(s.rooms, rs.room.UUID)
		delete(s.codes, rs.room.JoinCode)
		log.Printf("%s: room %s closed", s.options.LogPrefix, rs.room.UUID)
		return
	}

	s.broadcast(rs, nil, func() *m.Message {
		return &m.Message{
			RemovedPeer: &m.RemovedPeer{
				Peer: mem.peer.Clone(),
			},
		}
	})
}

func (s *Server) updatePeer(c transport.Connection, update *m.UpdatePeer) {
	mem, found := s.members[c]
	if !found || update.Peer == nil {
		log.Printf("%s: %s: not in a room, cannot process UpdatePeer", s.options.LogPrefix, c.String())
		return
	}

	if update.Peer.UUID != mem.peer.UUID {
		log.Printf("%s: %s: peer %s may not update peer %s", s.options.LogPrefix, c.String(), mem.peer.UUID, update.Peer.UUID)
		return
	}

	mem.peer = update.Peer.Clone()

	s.broadcast(mem.room, mem, func() *m.Message {
		return &m.Message{
			UpdatePeer: &m.UpdatePeer{
				Peer: mem.peer.Clone(),
			},
		}
	})
}

func (s *Server) updateRoom(c transport.Connection, update *m.UpdateRoom) {
	mem, found := s.members[c]
	if !found || update.Room == nil {
		log.Printf("%s: %s: not in a room, cannot process UpdateRoom", s.options.LogPrefix, c.String())
		return
	}

	rs := mem.room
	if update.Room.UUID != rs.room.UUID {
		log.Printf("%s: %s: member of room %s may not update room %s", s.options.LogPrefix, c.String(), rs.room.UUID, update.Room.UUID)
		return
	}

	// identity and join code stay authoritative
	rs.room.Name = update.Room.Name
	rs.room.Publish = update.Room.Publish
	rs.room.Properties = update.Room.Clone().Properties
	if rs.room.Properties == nil {
		rs.room.Properties = make(map[string]string)
	}

	s.broadcast(rs, mem, func() *m.Message {
		return &m.Message{
			UpdateRoom: &m.UpdateRoom{
				Room: rs.room.Clone(),
			},
		}
	})
}

func (s *Server) requestRooms(c transport.Connection, request *m.RequestRooms) {
	if request.Version != m.ProtocolVersion {
		log.Printf("%s: %s: client protocol version=%d, server=%d", s.options.LogPrefix, c.String(), request.Version, m.ProtocolVersion)
	}

	s.send(c, request.Source, &m.Message{
		Rooms: &m.Rooms{
			Version: m.ProtocolVersion,
			Rooms:   s.Rooms(),
		},
	})
}

func (s *Server) getBlob(c transport.Connection, request *m.GetBlob) {
	mem, found := s.members[c]
	if !found {
		log.Printf("%s: %s: not in a room, cannot process GetBlob", s.options.LogPrefix, c.String())
		return
	}

	var blob []byte
	rs, found := s.rooms[request.Room]
	if found {
		blob = rs.blobs[request.UUID]
	} else {
		log.Printf("%s: %s: GetBlob for unknown room %s", s.options.LogPrefix, c.String(), request.Room)
	}

	s.send(c, mem.peer.NetworkID, &m.Message{
		Blob: &m.Blob{
			Room: request.Room,
			UUID: request.UUID,
			Blob: blob,
		},
	})
}

func (s *Server) setBlob(c transport.Connection, request *m.SetBlob) {
	mem, found := s.members[c]
	if !found || mem.room.room.UUID != request.Room {
		log.Printf("%s: %s: not a member of room %s, cannot process SetBlob", s.options.LogPrefix, c.String(), request.Room)
		return
	}
	rs := mem.room

	if _, exists := rs.blobs[request.UUID]; exists {
		log.Printf("%s: %s: blob %s in room %s is immutable, ignoring SetBlob", s.options.LogPrefix, c.String(), request.UUID, request.Room)
		return
	}

	rs.blobs[request.UUID] = request.Blob
}
