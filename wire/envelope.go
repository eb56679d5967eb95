// Package wire defines the on-the-wire envelope for hello, handshake, and
// heartbeat messages, and its CBOR codec.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxPacketBytes is the hard ceiling on encoded packet size, enforced on
// both the send and receive paths.
const MaxPacketBytes = 1280

// NeighborSeen is one entry of a Hello's map of known neighbors: the
// reflected view of that neighbor's last-seen sequence number and
// reflected timestamps, used to bootstrap RTT and two-way detection.
type NeighborSeen struct {
	ReflectedSeqNum  uint32 `cbor:"1,keyasint"`
	LastNbrMsgSentUs int64  `cbor:"2,keyasint"`
	LastMyMsgRcvdUs  int64  `cbor:"3,keyasint"`
}

// Hello is broadcast periodically (and on demand) to announce liveness and
// discover/confirm peers on a link.
type Hello struct {
	NodeName        string                  `cbor:"1,keyasint"`
	DomainName      string                  `cbor:"2,keyasint"`
	IfName          string                  `cbor:"3,keyasint"`
	SeqNum          uint32                  `cbor:"4,keyasint"`
	Version         uint32                  `cbor:"5,keyasint"`
	SentTsUs        int64                   `cbor:"6,keyasint"`
	SolicitResponse bool                    `cbor:"7,keyasint,omitempty"`
	Restarting      bool                    `cbor:"8,keyasint,omitempty"`
	Neighbors       map[string]NeighborSeen `cbor:"9,keyasint,omitempty"`
}

// Handshake carries negotiated parameters once two peers have seen each
// other via Hello. It is point-to-point: TargetNodeName, when set, must
// match the recipient's own node name.
type Handshake struct {
	NodeName             string `cbor:"1,keyasint"`
	TargetNodeName       string `cbor:"2,keyasint,omitempty"`
	IsAdjEstablished     bool   `cbor:"3,keyasint,omitempty"`
	HeartbeatHoldTimeMs  uint32 `cbor:"4,keyasint"`
	GracefulRestartMs    uint32 `cbor:"5,keyasint"`
	V4Addr               string `cbor:"6,keyasint,omitempty"`
	V6Addr               string `cbor:"7,keyasint,omitempty"`
	KvControlPort        uint16 `cbor:"8,keyasint,omitempty"`
	ThriftControlPort    uint16 `cbor:"9,keyasint,omitempty"`
	AreaID               string `cbor:"10,keyasint,omitempty"`
}

// Heartbeat is sent on a fixed interval once adjacent, refreshing the
// peer's heartbeatHold timer.
type Heartbeat struct {
	NodeName string `cbor:"1,keyasint"`
	SeqNum   uint32 `cbor:"2,keyasint"`
}

// Envelope carries exactly one of Hello, Handshake, or Heartbeat.
type Envelope struct {
	Hello     *Hello     `cbor:"1,keyasint,omitempty"`
	Handshake *Handshake `cbor:"2,keyasint,omitempty"`
	Heartbeat *Heartbeat `cbor:"3,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	m, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor encode mode: %v", err))
	}
	return m
}()

// ErrTooLarge is returned by Encode when the encoded envelope would exceed
// MaxPacketBytes.
var ErrTooLarge = fmt.Errorf("wire: encoded packet exceeds %d bytes", MaxPacketBytes)

// ErrMultipleKinds is returned when more than one of Hello/Handshake/
// Heartbeat is set on an Envelope.
var ErrMultipleKinds = fmt.Errorf("wire: envelope must carry exactly one message kind")

// Validate enforces the "exactly one of" contract on the envelope.
func (e *Envelope) Validate() error {
	count := 0
	if e.Hello != nil {
		count++
	}
	if e.Handshake != nil {
		count++
	}
	if e.Heartbeat != nil {
		count++
	}
	if count != 1 {
		return ErrMultipleKinds
	}
	return nil
}

// Encode serializes the envelope, rejecting packets over MaxPacketBytes.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	if len(b) > MaxPacketBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}

// Decode deserializes an envelope, rejecting packets over MaxPacketBytes
// before even attempting to parse them.
func Decode(b []byte) (*Envelope, error) {
	if len(b) > MaxPacketBytes {
		return nil, ErrTooLarge
	}
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
