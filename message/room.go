package message

import (
	"maps"

	"github.com/Meander-Cloud/go-peergroup/netid"
)

type Peer struct {
	UUID       string            `json:"uuid"`
	NetworkID  netid.ID          `json:"network_id"`
	Properties map[string]string `json:"properties"`
}

func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	return &Peer{
		UUID:       p.UUID,
		NetworkID:  p.NetworkID,
		Properties: maps.Clone(p.Properties),
	}
}

type Room struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	JoinCode   string            `json:"join_code"`
	Publish    bool              `json:"publish"`
	Properties map[string]string `json:"properties"`
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	return &Room{
		UUID:       r.UUID,
		Name:       r.Name,
		JoinCode:   r.JoinCode,
		Publish:    r.Publish,
		Properties: maps.Clone(r.Properties),
	}
}

// Join with an empty JoinCode asks the server for a new room.
type Join struct {
	JoinCode string `json:"join_code"`
	Name     string `json:"name"`
	Publish  bool   `json:"publish"`
	Peer     *Peer  `json:"peer"`
}

type Accepted struct {
	Room  *Room   `json:"room"`
	Peers []*Peer `json:"peers"`
}

type Rejected struct {
	Reason   string `json:"reason"`
	JoinArgs *Join  `json:"join_args"`
}

type Leave struct {
	Peer *Peer `json:"peer"`
}

type UpdateRoom struct {
	Room *Room `json:"room"`
}

type UpdatePeer struct {
	Peer *Peer `json:"peer"`
}

type RemovedPeer struct {
	Peer *Peer `json:"peer"`
}

type RequestRooms struct {
	Version uint32   `json:"version"`
	Source  netid.ID `json:"source"` // where the Rooms reply is addressed
}

type Rooms struct {
	Version uint32  `json:"version"`
	Rooms   []*Room `json:"rooms"`
}

type GetBlob struct {
	Room string `json:"room"`
	UUID string `json:"uuid"`
}

type SetBlob struct {
	Room string `json:"room"`
	UUID string `json:"uuid"`
	Blob []byte `json:"blob"`
}

type Blob struct {
	Room string `json:"room"`
	UUID string `json:"uuid"`
	Blob []byte `json:"blob"`
}
