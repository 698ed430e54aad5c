package message

import "github.com/Meander-Cloud/go-peergroup/netid"

// Event carries one serialized log record.
type Event struct {
	Tag     uint8  `json:"tag"`
	Payload []byte `json:"payload"`
}

// Command is a claim when Destination is set and a resignation when null.
type Command struct {
	Clock       uint64   `json:"clock"`
	Destination netid.ID `json:"destination"`
}

// Ping is a request while Responder is null and a reply once set.
type Ping struct {
	Source    netid.ID `json:"source"`
	Responder netid.ID `json:"responder"`
	Token     uint32   `json:"token"`
	Written   uint64   `json:"written"`
	Aborted   bool     `json:"aborted"`
}

func (p *Ping) IsRequest() bool {
	return p.Responder.IsNull()
}
