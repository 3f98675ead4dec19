// Package shape turns delivered sample batches into wire packets for the
// downstream recorder: JSON datagrams with per-(device, kind) monotonic
// sequence numbers, fragmented under the transport byte cap without breaking
// sample order or timing.
package shape

import (
	"encoding/json"

	"github.com/biosignal-telemetry/btr/internal/capability"
)

// ContinuousPacket is the wire form of one continuous-kind fragment. N is
// redundant with len(Samples) for receiver-side validation.
type ContinuousPacket struct {
	Type    string    `json:"type"`
	Device  string    `json:"device"`
	TDevice float64   `json:"t_device"`
	Seq     uint64    `json:"seq"`
	Rate    float64   `json:"fs"`
	N       int       `json:"n"`
	RangeG  int       `json:"range_g,omitempty"`
	Samples [][]int32 `json:"samples"`
}

// EventPacket is the wire form of one beat event: the raw inter-beat interval
// plus the reconstructed absolute event time. Heart-rate packets additionally
// carry the reported rate.
type EventPacket struct {
	Type    string  `json:"type"`
	Device  string  `json:"device"`
	TDevice float64 `json:"t_device"`
	Seq     uint64  `json:"seq"`
	Ms      int     `json:"ms"`
	Te      float64 `json:"te"`
	Bpm     int     `json:"bpm,omitempty"`
	Contact *bool   `json:"contact,omitempty"`
}

// Event is the shaping input for one beat event.
type Event struct {
	Kind    capability.SignalKind
	THost   float64
	Ms      int
	Te      float64
	Bpm     int
	Contact *bool
}

// EncodeEvent builds one event packet, drawing the next sequence number for
// (device, kind) from seq.
func EncodeEvent(seq *Sequencer, device string, ev Event) ([]byte, error) {
	spec, ok := capability.Spec(ev.Kind)
	if !ok {
		return nil, capability.ErrUnsupported
	}

	return json.Marshal(EventPacket{
		Type:    spec.Wire,
		Device:  device,
		TDevice: ev.THost,
		Seq:     seq.Next(device, ev.Kind),
		Ms:      ev.Ms,
		Te:      ev.Te,
		Bpm:     ev.Bpm,
		Contact: ev.Contact,
	})
}
