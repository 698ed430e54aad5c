package message

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/netid"
)

// ProtocolVersion is exchanged in Rooms replies so clients can detect a mismatched server.
const ProtocolVersion uint32 = 1

const typicalBufferLen int = 512

// Encode serializes messageStruct into a freshly rented envelope addressed to target.
// The caller owns the returned reference.
func Encode(pool *envelope.Pool, target netid.ID, messageStruct *Message) (*envelope.Envelope, error) {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		return nil, fmt.Errorf("msgpack failed to encode messageStruct=%+v, err=%w", messageStruct, err)
	}

	e := pool.RentPayload(buffer.Bytes())
	e.SetTarget(target)
	return e, nil
}

// Decode parses the envelope payload. It does not take ownership of e.
func Decode(e *envelope.Envelope) (*Message, error) {
	messageStruct := new(Message)
	err := msgpack.Unmarshal(e.Payload(), messageStruct)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %d payload bytes, err=%w", e.Len(), err)
	}

	if messageStruct.Kind() == KindInvalid {
		return nil, fmt.Errorf("unsupported messageStruct=%+v", messageStruct)
	}

	return messageStruct, nil
}
