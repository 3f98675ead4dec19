// Package capability defines the southbound sensor contract: an asynchronous
// start/stop streaming surface over wireless body sensors. The hardware layer
// acknowledges a subscription before data flows and forbids overlapping
// state-mutating calls on one device; callers are expected to serialize.
package capability

import (
	"context"
	"sort"
)

// StreamSettings is the negotiated configuration for one stream.
type StreamSettings struct {
	SampleRate int `json:"sampleRate"` // Hz, 0 for event kinds
	Resolution int `json:"resolution"` // bits per sample
	RangeG     int `json:"rangeG"`     // full-scale range, motion kinds only
}

// Offer lists the setting values a device advertises for one kind. A zero
// default means the device documents no preferred value.
type Offer struct {
	SampleRates []int `json:"sampleRates"`
	Resolutions []int `json:"resolutions"`
	Ranges      []int `json:"ranges"`

	DefaultSampleRate int `json:"defaultSampleRate"`
	DefaultResolution int `json:"defaultResolution"`
	DefaultRange      int `json:"defaultRange"`
}

// SampleBatch is one delivery of continuous fixed-rate samples. Samples holds
// one vector per sample; vector width matches the kind's channel count.
type SampleBatch struct {
	Device  string
	Kind    SignalKind
	THost   float64 // host arrival time, float seconds
	Rate    float64 // negotiated rate, Hz
	RangeG  int     // motion full-scale, 0 otherwise
	Samples [][]int32
}

// BeatBatch is one delivery from the shared beat subscription: heart rate plus
// zero or more inter-beat intervals, each the duration since the previous beat.
type BeatBatch struct {
	Device      string
	THost       float64
	HeartRate   int
	IntervalsMs []int
	Contact     *bool // sensor contact flag when the device reports one
}

// Delivery is one callback payload from an active subscription. Exactly one
// field is set.
type Delivery struct {
	Samples *SampleBatch
	Beats   *BeatBatch
	Err     error // mid-stream failure; the subscription is dead after this
}

// DeliverFunc receives deliveries on the capability layer's own goroutine.
type DeliverFunc func(Delivery)

// Subscription is a handle to one active stream. Cancel is the only stop
// path; it is idempotent.
type Subscription interface {
	Cancel()
}

// Capability is the opaque hardware streaming surface.
//
// StartStream returns once the device acknowledges the subscription, which
// happens before data actually begins flowing. Callers that need "started"
// to mean "data is flowing" must wait for the first delivery.
type Capability interface {
	// StartStream begins streaming kind from the device. For beat kinds the
	// device exposes a single multiplexed subscription; starting any beat
	// kind starts it.
	StartStream(ctx context.Context, deviceID string, kind SignalKind, settings StreamSettings, deliver DeliverFunc) (Subscription, error)

	// Offers returns the setting values the device advertises for kind.
	Offers(ctx context.Context, deviceID string, kind SignalKind) (Offer, error)
}

// Negotiate selects stream settings from an offer: the documented default
// when present, otherwise the smallest offered value. Empty offer lists leave
// the corresponding setting at zero.
func Negotiate(offer Offer) StreamSettings {
	return StreamSettings{
		SampleRate: pickSetting(offer.SampleRates, offer.DefaultSampleRate),
		Resolution: pickSetting(offer.Resolutions, offer.DefaultResolution),
		RangeG:     pickSetting(offer.Ranges, offer.DefaultRange),
	}
}

func pickSetting(offered []int, documented int) int {
	if len(offered) == 0 {
		return 0
	}
	if documented != 0 {
		for _, v := range offered {
			if v == documented {
				return documented
			}
		}
	}
	smallest := offered[0]
	for _, v := range offered[1:] {
		if v < smallest {
			smallest = v
		}
	}
	return smallest
}

// KindSet is a set of signal kinds with deterministic iteration helpers.
type KindSet map[SignalKind]struct{}

// NewKindSet builds a set from kinds.
func NewKindSet(kinds ...SignalKind) KindSet {
	set := make(KindSet, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s KindSet) Has(kind SignalKind) bool {
	_, ok := s[kind]
	return ok
}

// Diff returns the kinds present in s but absent from other, sorted.
func (s KindSet) Diff(other KindSet) []SignalKind {
	var out []SignalKind
	for kind := range s {
		if !other.Has(kind) {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sorted returns the members in stable order.
func (s KindSet) Sorted() []SignalKind {
	out := make([]SignalKind, 0, len(s))
	for kind := range s {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
