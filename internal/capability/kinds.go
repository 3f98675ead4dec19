package capability

import "sort"

// SignalKind identifies one subscribable data type a sensor exposes.
type SignalKind string

const (
	KindECG SignalKind = "ecg"
	KindACC SignalKind = "acc"
	KindPPG SignalKind = "ppg"
	KindHR  SignalKind = "hr"
	KindRR  SignalKind = "rr"
)

// KindSpec describes the fixed properties of one signal kind.
type KindSpec struct {
	// Wire discriminator used in outgoing packets.
	Wire string

	// Continuous kinds carry fixed-rate sample arrays; event kinds carry
	// irregular inter-beat intervals.
	Continuous bool

	// Channels per sample for continuous kinds (3 for three-axis motion).
	Channels int

	// Nominal sample rate in Hz for continuous kinds.
	NominalRate float64

	// SharedBeat marks event kinds multiplexed over the single beat
	// notification subscription a device offers.
	SharedBeat bool
}

// KindSpecs is the closed dispatch table over the signal kind set. Any kind
// not present here is rejected at the capability boundary.
var KindSpecs = map[SignalKind]KindSpec{
	KindECG: {Wire: "ecg", Continuous: true, Channels: 1, NominalRate: 130},
	KindPPG: {Wire: "ppg", Continuous: true, Channels: 1, NominalRate: 55},
	KindACC: {Wire: "acc", Continuous: true, Channels: 3, NominalRate: 50},
	KindHR:  {Wire: "hr", SharedBeat: true},
	KindRR:  {Wire: "rr", SharedBeat: true},
}

// Spec returns the spec for a kind and whether the kind is known.
func Spec(kind SignalKind) (KindSpec, bool) {
	spec, ok := KindSpecs[kind]
	return spec, ok
}

// IsContinuous reports whether kind carries fixed-rate samples.
func IsContinuous(kind SignalKind) bool {
	spec, ok := KindSpecs[kind]
	return ok && spec.Continuous
}

// IsBeatKind reports whether kind rides the shared beat subscription.
func IsBeatKind(kind SignalKind) bool {
	spec, ok := KindSpecs[kind]
	return ok && spec.SharedBeat
}

// AllKinds returns the full kind set in stable order.
func AllKinds() []SignalKind {
	kinds := make([]SignalKind, 0, len(KindSpecs))
	for kind := range KindSpecs {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// SortKinds sorts a kind slice in place by the stable key used for
// deterministic operation ordering.
func SortKinds(kinds []SignalKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}
