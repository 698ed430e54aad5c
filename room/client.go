package room

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/event"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

const (
	maxJoinCodeLen       int = 16
	defaultBlobCacheSize int = 256
)

type State uint8

const (
	StateDisconnected State = 0
	StateJoining      State = 1
	StateJoined       State = 2
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateJoining:
		return "Joining"
	case StateJoined:
		return "Joined"
	default:
		return "Unknown State"
	}
}

type ClientOptions struct {
	ServerID netid.ID
	Fanout   *transport.Fanout

	// PeerID addresses this peer; a null id draws a random one.
	PeerID netid.ID

	BlobCacheSize int

	LogPrefix string
	LogDebug  bool
}

type RejectedEvent struct {
	Reason  string
	Request *m.Join
}

type RoomsEvent struct {
	Version uint32
	Rooms   []*m.Room
}

type BlobKey struct {
	Room string
	UUID string
}

// Client mirrors the server's view of one room for the local peer. Property
// writes are local immediately and reach the server on the next Tick.
//
// All methods are invoked on the tick goroutine.
type Client struct {
	options *ClientOptions
	reg     *transport.Registration

	state State
	me    *m.Peer
	room  *m.Room
	peers map[string]*m.Peer

	meDirty   bool
	roomDirty bool

	pendingBlobs map[BlobKey]func([]byte)
	blobCache    *lru.Cache[BlobKey, []byte]

	OnJoinedRoom  event.Feed[*m.Room]
	OnLeftRoom    event.Feed[*m.Room]
	OnRejected    event.Feed[RejectedEvent]
	OnRoomUpdated event.Feed[*m.Room]
	OnPeerAdded   event.Feed[*m.Peer]
	OnPeerUpdated event.Feed[*m.Peer]
	OnPeerRemoved event.Feed[*m.Peer]
	OnRooms       event.Feed[RoomsEvent]
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.Fanout == nil {
		err := fmt.Errorf("%s: nil Fanout", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerID.IsNull() {
		err := fmt.Errorf("%s: null ServerID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	peerID := options.PeerID
	if peerID.IsNull() {
		peerID = netid.Random()
	}

	size := options.BlobCacheSize
	if size <= 0 {
		size = defaultBlobCacheSize
	}
	cache, err := lru.New[BlobKey, []byte](size)
	if err != nil {
		err = fmt.Errorf("%s: failed to create blob cache, size=%d, err=%w", options.LogPrefix, size, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	c := &Client{
		options: options,
		state:   StateDisconnected,
		me: &m.Peer{
			UUID:       uuid.NewString(),
			NetworkID:  peerID,
			Properties: make(map[string]string),
		},
		room:         nil,
		peers:        make(map[string]*m.Peer),
		pendingBlobs: make(map[BlobKey]func([]byte)),
		blobCache:    cache,
	}
	c.reg = options.Fanout.RegisterFunc(peerID, c.processEnvelope)

	log.Printf("%s: peer uuid=%s, id=%s", options.LogPrefix, c.me.UUID, peerID)
	return c, nil
}

func (c *Client) Close() {
	c.reg.Unregister()
}

func (c *Client) State() State {
	return c.state
}

// Me returns a snapshot of the local peer.
func (c *Client) Me() *m.Peer {
	return c.me.Clone()
}

func (c *Client) NetworkID() netid.ID {
	return c.me.NetworkID
}

// Room returns a snapshot of the joined room, or nil.
func (c *Client) Room() *m.Room {
	return c.room.Clone()
}

// Peers returns snapshots of the other members ordered by uuid.
func (c *Client) Peers() []*m.Peer {
	peers := make([]*m.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p.Clone())
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].UUID < peers[j].UUID
	})
	return peers
}

func (c *Client) Peer(peerUUID string) (*m.Peer, bool) {
	p, found := c.peers[peerUUID]
	return p.Clone(), found
}

func (c *Client) MyProperty(key string) string {
	return c.me.Properties[key]
}

func (c *Client) SetMyProperty(key, value string) {
	if cur, found := c.me.Properties[key]; found && cur == value {
		return
	}
	c.me.Properties[key] = value
	c.meDirty = true
}

func (c *Client) RoomProperty(key string) string {
	if c.room == nil {
		return ""
	}
	return c.room.Properties[key]
}

func (c *Client) SetRoomProperty(key, value string) error {
	if c.state != StateJoined {
		return ErrNotJoined
	}
	if c.room.Properties == nil {
		c.room.Properties = make(map[string]string)
	}
	if cur, found := c.room.Properties[key]; found && cur == value {
		return nil
	}
	c.room.Properties[key] = value
	c.roomDirty = true
	return nil
}

func (c *Client) SetRoomName(name string) error {
	if c.state != StateJoined {
		return ErrNotJoined
	}
	c.room.Name = name
	c.roomDirty = true
	return nil
}

// JoinNew asks the server to create a room and join it.
func (c *Client) JoinNew(name string, publish bool) error {
	return c.join(&m.Join{
		JoinCode: "",
		Name:     name,
		Publish:  publish,
	})
}

// Join joins an existing room by its code. Codes compare case-insensitively.
func (c *Client) Join(joinCode string) error {
	code := strings.TrimSpace(joinCode)
	if !validJoinCode(code) {
		log.Printf("%s: join code %q is invalid", c.options.LogPrefix, joinCode)
		return ErrInvalidJoinCode
	}

	return c.join(&m.Join{
		JoinCode: code,
	})
}

func validJoinCode(code string) bool {
	if code == "" || len(code) > maxJoinCodeLen {
		return false
	}
	for _, r := range code {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func (c *Client) join(join *m.Join) error {
	switch c.state {
	case StateJoining:
		return ErrAlreadyJoining
	case StateJoined:
		return ErrAlreadyJoined
	}

	join.Peer = c.me.Clone()
	c.state = StateJoining

	err := c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{Join: join})
	if err != nil {
		c.state = StateDisconnected
		return err
	}
	return nil
}

// Leave notifies the server and drops the local mirror at once.
func (c *Client) Leave() error {
	if c.state == StateDisconnected {
		return ErrNotJoined
	}

	err := c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
		Leave: &m.Leave{
			Peer: c.me.Clone(),
		},
	})
	c.reset()
	return err
}

// reset forgets the room without telling the server, used when the
// connection itself is gone.
func (c *Client) reset() {
	room := c.room
	peers := c.Peers()

	c.state = StateDisconnected
	c.room = nil
	c.roomDirty = false
	clear(c.peers)

	for _, p := range peers {
		c.OnPeerRemoved.Emit(p)
	}
	if room != nil {
		c.OnLeftRoom.Emit(room)
	}
}

// Disconnected is called by the host once it has no route to the server.
func (c *Client) Disconnected() {
	if c.state == StateDisconnected {
		return
	}
	log.Printf("%s: lost server connection in state=%s", c.options.LogPrefix, c.state)
	c.reset()
}

func (c *Client) RequestRooms() error {
	return c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
		RequestRooms: &m.RequestRooms{
			Version: m.ProtocolVersion,
			Source:  c.me.NetworkID,
		},
	})
}

// GetBlob resolves from the cache when it can. A request for a key that is
// already outstanding is not sent again and its callback is not retained.
func (c *Client) GetBlob(roomUUID, blobUUID string, callback func([]byte)) error {
	key := BlobKey{Room: roomUUID, UUID: blobUUID}

	if blob, found := c.blobCache.Get(key); found {
		callback(blob)
		return nil
	}

	if _, pending := c.pendingBlobs[key]; pending {
		if c.options.LogDebug {
			log.Printf("%s: blob %s/%s already requested", c.options.LogPrefix, roomUUID, blobUUID)
		}
		return nil
	}

	c.pendingBlobs[key] = callback
	err := c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
		GetBlob: &m.GetBlob{
			Room: roomUUID,
			UUID: blobUUID,
		},
	})
	if err != nil {
		delete(c.pendingBlobs, key)
		return err
	}
	return nil
}

func (c *Client) SetBlob(roomUUID, blobUUID string, blob []byte) error {
	c.blobCache.Add(BlobKey{Room: roomUUID, UUID: blobUUID}, bytes.Clone(blob))

	return c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
		SetBlob: &m.SetBlob{
			Room: roomUUID,
			UUID: blobUUID,
			Blob: blob,
		},
	})
}

func (c *Client) PendingBlobCount() int {
	return len(c.pendingBlobs)
}

// Tick flushes property changes made since the previous Tick, one update per
// kind regardless of how many writes were coalesced. A snapshot that fails to
// send stays pending.
func (c *Client) Tick() {
	if c.state != StateJoined {
		return
	}

	// with no route to the server the snapshot waits for the next Tick
	if c.options.Fanout.ConnectionCount() == 0 {
		return
	}

	if c.meDirty {
		err := c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
			UpdatePeer: &m.UpdatePeer{
				Peer: c.me.Clone(),
			},
		})
		if err == nil {
			c.meDirty = false
		}
	}

	if c.roomDirty {
		err := c.options.Fanout.SendMessage(c.options.ServerID, &m.Message{
			UpdateRoom: &m.UpdateRoom{
				Room: c.room.Clone(),
			},
		})
		if err == nil {
			c.roomDirty = false
		}
	}
}

func (c *Client) processEnvelope(e *envelope.Envelope) {
	messageStruct, err := m.Decode(e)
	if err != nil {
		log.Printf("%s: dropping message, %s", c.options.LogPrefix, err.Error())
		return
	}

	switch messageStruct.Kind() {
	case m.KindAccepted:
		c.processAccepted(messageStruct.Accepted)
	case m.KindRejected:
		c.processRejected(messageStruct.Rejected)
	case m.KindUpdateRoom:
		c.processUpdateRoom(messageStruct.UpdateRoom)
	case m.KindUpdatePeer:
		c.processUpdatePeer(messageStruct.UpdatePeer)
	case m.KindRemovedPeer:
		c.processRemovedPeer(messageStruct.RemovedPeer)
	case m.KindRooms:
		c.processRooms(messageStruct.Rooms)
	case m.KindBlob:
		c.processBlob(messageStruct.Blob)
	default:
		// collector traffic shares this address
	}
}

func (c *Client) processAccepted(accepted *m.Accepted) {
	if c.state != StateJoining || accepted.Room == nil {
		log.Printf("%s: unexpected Accepted in state=%s", c.options.LogPrefix, c.state)
		return
	}

	c.state = StateJoined
	c.room = accepted.Room.Clone()
	if c.room.Properties == nil {
		c.room.Properties = make(map[string]string)
	}
	clear(c.peers)

	log.Printf("%s: joined room uuid=%s, name=%s, code=%s, peers=%d", c.options.LogPrefix, c.room.UUID, c.room.Name, c.room.JoinCode, len(accepted.Peers))

	c.OnJoinedRoom.Emit(c.room.Clone())

	for _, p := range accepted.Peers {
		if p == nil || p.UUID == c.me.UUID {
			continue
		}
		c.peers[p.UUID] = p.Clone()
		c.OnPeerAdded.Emit(p.Clone())
	}
}

func (c *Client) processRejected(rejected *m.Rejected) {
	if c.state != StateJoining {
		log.Printf("%s: unexpected Rejected in state=%s, reason=%s", c.options.LogPrefix, c.state, rejected.Reason)
		return
	}

	c.state = StateDisconnected
	log.Printf("%s: join rejected, reason=%s", c.options.LogPrefix, rejected.Reason)

	c.OnRejected.Emit(RejectedEvent{
		Reason:  rejected.Reason,
		Request: rejected.JoinArgs,
	})
}

func (c *Client) processUpdateRoom(update *m.UpdateRoom) {
	if c.state != StateJoined || update.Room == nil || update.Room.UUID != c.room.UUID {
		return
	}

	c.room = update.Room.Clone()
	if c.room.Properties == nil {
		c.room.Properties = make(map[string]string)
	}
	c.OnRoomUpdated.Emit(c.room.Clone())
}

// processUpdatePeer is idempotent: the roster holds the latest snapshot per
// uuid whether or not it was seen before.
func (c *Client) processUpdatePeer(update *m.UpdatePeer) {
	if c.state != StateJoined || update.Peer == nil || update.Peer.UUID == c.me.UUID {
		return
	}

	p := update.Peer.Clone()
	_, existed := c.peers[p.UUID]
	c.peers[p.UUID] = p

	if existed {
		c.OnPeerUpdated.Emit(p.Clone())
	} else {
		c.OnPeerAdded.Emit(p.Clone())
	}
}

func (c *Client) processRemovedPeer(removed *m.RemovedPeer) {
	if removed.Peer == nil {
		return
	}

	p, found := c.peers[removed.Peer.UUID]
	if !found {
		return
	}
	delete(c.peers, removed.Peer.UUID)
	c.OnPeerRemoved.Emit(p)
}

func (c *Client) processRooms(rooms *m.Rooms) {
	if rooms.Version != m.ProtocolVersion {
		log.Printf("%s: server protocol version=%d, client=%d", c.options.LogPrefix, rooms.Version, m.ProtocolVersion)
	}

	c.OnRooms.Emit(RoomsEvent{
		Version: rooms.Version,
		Rooms:   rooms.Rooms,
	})
}

func (c *Client) processBlob(blob *m.Blob) {
	key := BlobKey{Room: blob.Room, UUID: blob.UUID}

	callback, pending := c.pendingBlobs[key]
	if !pending {
		return
	}
	delete(c.pendingBlobs, key)

	if blob.Blob != nil {
		c.blobCache.Add(key, blob.Blob)
	}
	callback(blob.Blob)
}
