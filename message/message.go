package message

type Message struct {
	Txseq  uint64 `json:"txseq"`
	Txtime int64  `json:"txtime"` // epoch milliseconds

	Join         *Join         `json:"join,omitempty" msgpack:",omitempty"`
	Accepted     *Accepted     `json:"accepted,omitempty" msgpack:",omitempty"`
	Rejected     *Rejected     `json:"rejected,omitempty" msgpack:",omitempty"`
	Leave        *Leave        `json:"leave,omitempty" msgpack:",omitempty"`
	UpdateRoom   *UpdateRoom   `json:"update_room,omitempty" msgpack:",omitempty"`
	UpdatePeer   *UpdatePeer   `json:"update_peer,omitempty" msgpack:",omitempty"`
	RemovedPeer  *RemovedPeer  `json:"removed_peer,omitempty" msgpack:",omitempty"`
	RequestRooms *RequestRooms `json:"request_rooms,omitempty" msgpack:",omitempty"`
	Rooms        *Rooms        `json:"rooms,omitempty" msgpack:",omitempty"`
	GetBlob      *GetBlob      `json:"get_blob,omitempty" msgpack:",omitempty"`
	SetBlob      *SetBlob      `json:"set_blob,omitempty" msgpack:",omitempty"`
	Blob         *Blob         `json:"blob,omitempty" msgpack:",omitempty"`

	Event   *Event   `json:"event,omitempty" msgpack:",omitempty"`
	Command *Command `json:"command,omitempty" msgpack:",omitempty"`
	Ping    *Ping    `json:"ping,omitempty" msgpack:",omitempty"`
}

type Kind uint8

const (
	KindInvalid      Kind = 0
	KindJoin         Kind = 1
	KindAccepted     Kind = 2
	KindRejected     Kind = 3
	KindLeave        Kind = 4
	KindUpdateRoom   Kind = 5
	KindUpdatePeer   Kind = 6
	KindRemovedPeer  Kind = 7
	KindRequestRooms Kind = 8
	KindRooms        Kind = 9
	KindGetBlob      Kind = 10
	KindSetBlob      Kind = 11
	KindBlob         Kind = 12
	KindEvent        Kind = 13
	KindCommand      Kind = 14
	KindPing         Kind = 15
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid Kind"
	case KindJoin:
		return "Join"
	case KindAccepted:
		return "Accepted"
	case KindRejected:
		return "Rejected"
	case KindLeave:
		return "Leave"
	case KindUpdateRoom:
		return "UpdateRoom"
	case KindUpdatePeer:
		return "UpdatePeer"
	case KindRemovedPeer:
		return "RemovedPeer"
	case KindRequestRooms:
		return "RequestRooms"
	case KindRooms:
		return "Rooms"
	case KindGetBlob:
		return "GetBlob"
	case KindSetBlob:
		return "SetBlob"
	case KindBlob:
		return "Blob"
	case KindEvent:
		return "Event"
	case KindCommand:
		return "Command"
	case KindPing:
		return "Ping"
	default:
		return "Unknown Kind"
	}
}

// Kind reports the first populated body. A well-formed message carries exactly one.
func (m *Message) Kind() Kind {
	switch {
	case m.Join != nil:
		return KindJoin
	case m.Accepted != nil:
		return KindAccepted
	case m.Rejected != nil:
		return KindRejected
	case m.Leave != nil:
		return KindLeave
	case m.UpdateRoom != nil:
		return KindUpdateRoom
	case m.UpdatePeer != nil:
		return KindUpdatePeer
	case m.RemovedPeer != nil:
		return KindRemovedPeer
	case m.RequestRooms != nil:
		return KindRequestRooms
	case m.Rooms != nil:
		return KindRooms
	case m.GetBlob != nil:
		return KindGetBlob
	case m.SetBlob != nil:
		return KindSetBlob
	case m.Blob != nil:
		return KindBlob
	case m.Event != nil:
		return KindEvent
	case m.Command != nil:
		return KindCommand
	case m.Ping != nil:
		return KindPing
	default:
		return KindInvalid
	}
}
