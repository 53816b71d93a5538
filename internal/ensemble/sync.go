package ensemble

import (
	"github.com/google/uuid"

	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
)

// PieceView is one piece in a transmitted topology view.
type PieceView struct {
	DeviceID uuid.UUID `codec:"device_id"`
	RSSI     int       `codec:"rssi"`
}

// EdgeView is one directed edge in a transmitted topology view.
type EdgeView struct {
	From      uuid.UUID `codec:"from"`
	To        uuid.UUID `codec:"to"`
	Transport string    `codec:"transport"`
	Quality   float64   `codec:"quality"`
}

// TopologyUpdate is one side's complete topology view, exchanged when
// a connection is established and merged by the receiver.
type TopologyUpdate struct {
	Pieces []PieceView `codec:"pieces"`
	Edges  []EdgeView  `codec:"edges"`
	Hash   uint32      `codec:"hash"`
}

// PeerInfo introduces one known peer: who it is and where to dial it.
type PeerInfo struct {
	DeviceID uuid.UUID     `codec:"device_id"`
	Address  radio.Address `codec:"address"`
}

// PeerIntroduction propagates known peers to a newly connected piece,
// so it learns the whole mesh through its first neighbour.
type PeerIntroduction struct {
	Peers []PeerInfo `codec:"peers"`
}

// Hello is the first frame on a fresh connection, identifying the
// dialing piece. Sealed under the capsule key before transmission, so
// only capsule members can register links.
type Hello struct {
	DeviceID uuid.UUID     `codec:"device_id"`
	Address  radio.Address `codec:"address"`
}

// snapshotView captures a topology into a transmissible update.
func snapshotView(topo *topology.Topology) TopologyUpdate {
	update := TopologyUpdate{Hash: topo.Hash()}
	for _, p := range topo.Pieces() {
		update.Pieces = append(update.Pieces, PieceView{DeviceID: p.DeviceID, RSSI: p.RSSI})
		for _, e := range topo.EdgesFrom(p.DeviceID) {
			update.Edges = append(update.Edges, EdgeView{
				From:      e.From,
				To:        e.To,
				Transport: string(e.Transport),
				Quality:   e.Quality,
			})
		}
	}
	return update
}
