package walproto

import (
	"fmt"
	"time"

	"github.com/rye-db/rye/internal/types"
)

// HBMagic stamps every heartbeat UDP datagram (no length-prefixed
// frame over UDP: a single datagram is one message).
const HBMagic uint32 = 0x52594842 // "RYHB"

// HBKind is the heartbeat gossip message type.
type HBKind int32

const (
	HBPing HBKind = iota
	HBPingReply
	HBElectionNotify
	HBElectionAck
	HBChangemodeRequest
	HBChangemodeAck
	HBDeactivateRequest
	HBDeactivateAck
)

// HBNode is one node entry inside a heartbeat datagram's node list.
type HBNode struct {
	HostIP   string
	Priority int32
	State    types.NodeState
	Score    int32
}

// HBDatagram is the decoded shape of one heartbeat UDP packet,
// carrying the sender's own view of the cluster node list so
// receivers can detect and reconcile divergent membership views.
type HBDatagram struct {
	Kind      HBKind
	SenderIP  string
	SentAt    time.Time
	Nodes     []HBNode
}

// Encode serializes a heartbeat datagram to bytes suitable for
// net.UDPConn.WriteToUDP.
func Encode(d HBDatagram) []byte {
	w := &buffer{}
	w.putUint32(HBMagic)
	w.putInt32(int32(d.Kind))
	putString(w, d.SenderIP)
	w.putTime(d.SentAt)
	w.putUint32(uint32(len(d.Nodes)))
	for _, n := range d.Nodes {
		putString(w, n.HostIP)
		w.putInt32(n.Priority)
		w.putInt32(int32(n.State))
		w.putInt32(n.Score)
	}
	return w.Bytes()
}

// Decode parses a datagram produced by Encode.
func Decode(data []byte) (HBDatagram, error) {
	r := newCursor(data)
	magic, err := r.getUint32()
	if err != nil {
		return HBDatagram{}, err
	}
	if magic != HBMagic {
		return HBDatagram{}, fmt.Errorf("walproto: bad heartbeat magic %x", magic)
	}
	kind, err := r.getInt32()
	if err != nil {
		return HBDatagram{}, err
	}
	senderIP, err := getString(r)
	if err != nil {
		return HBDatagram{}, err
	}
	sentAt, err := r.getTime()
	if err != nil {
		return HBDatagram{}, err
	}
	count, err := r.getUint32()
	if err != nil {
		return HBDatagram{}, err
	}
	nodes := make([]HBNode, 0, count)
	for i := uint32(0); i < count; i++ {
		ip, err := getString(r)
		if err != nil {
			return HBDatagram{}, err
		}
		priority, err := r.getInt32()
		if err != nil {
			return HBDatagram{}, err
		}
		state, err := r.getInt32()
		if err != nil {
			return HBDatagram{}, err
		}
		score, err := r.getInt32()
		if err != nil {
			return HBDatagram{}, err
		}
		nodes = append(nodes, HBNode{HostIP: ip, Priority: priority, State: types.NodeState(state), Score: score})
	}
	return HBDatagram{Kind: HBKind(kind), SenderIP: senderIP, SentAt: sentAt, Nodes: nodes}, nil
}
