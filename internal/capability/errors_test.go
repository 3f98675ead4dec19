package capability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVendorError_TokenTables(t *testing.T) {
	cases := []struct {
		vendor string
		msg    string
		want   error
	}{
		{"polar", "STREAM_ALREADY_STARTED for ecg", ErrAlreadyInState},
		{"polar", "NOTIFICATION_ALREADY_ENABLED", ErrAlreadyInState},
		{"polar", "MEASUREMENT_NOT_SUPPORTED", ErrUnsupported},
		{"polar", "GATT_ERROR during write", ErrDisconnected},
		{"polar", "OPERATION_IN_PROGRESS", ErrBusy},
		{"generic", "stream ALREADY_STARTED", ErrAlreadyInState},
		{"generic", "device OFFLINE", ErrDisconnected},
		{"generic", "please RETRY", ErrBusy},
		{"generic", "something exploded", ErrInternal},
		{"unknown-vendor", "ALREADY_STOPPED", ErrAlreadyInState},
	}

	for _, tc := range cases {
		t.Run(tc.vendor+"/"+tc.msg, func(t *testing.T) {
			err := NormalizeVendorErrorWithVendor(errors.New(tc.msg), nil, tc.vendor)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNormalizeVendorError_CaseInsensitive(t *testing.T) {
	err := NormalizeVendorError(errors.New("stream already_started"), nil)
	assert.ErrorIs(t, err, ErrAlreadyInState)
}

func TestNormalizeVendorError_NilPassthrough(t *testing.T) {
	assert.NoError(t, NormalizeVendorError(nil, nil))
}

func TestNormalizeVendorError_AlreadyNormalized(t *testing.T) {
	first := NormalizeVendorError(errors.New("CONNECTION_LOST"), map[string]int{"rssi": -90})
	second := NormalizeVendorError(fmt.Errorf("wrapped: %w", first), nil)

	var ve *VendorError
	require.True(t, errors.As(second, &ve))
	assert.ErrorIs(t, second, ErrDisconnected)
	assert.Equal(t, map[string]int{"rssi": -90}, ve.Details, "payload survives renormalization")
}

func TestIsAlreadyInState(t *testing.T) {
	assert.True(t, IsAlreadyInState(NormalizeVendorError(errors.New("DUPLICATE start"), nil)))
	assert.False(t, IsAlreadyInState(NormalizeVendorError(errors.New("BUSY"), nil)))
	assert.False(t, IsAlreadyInState(nil))
}

func TestNegotiate(t *testing.T) {
	t.Run("documented defaults win", func(t *testing.T) {
		settings := Negotiate(Offer{
			SampleRates:       []int{50, 100, 200},
			DefaultSampleRate: 100,
			Resolutions:       []int{14, 16},
			DefaultResolution: 16,
			Ranges:            []int{2, 4, 8},
			DefaultRange:      8,
		})
		assert.Equal(t, StreamSettings{SampleRate: 100, Resolution: 16, RangeG: 8}, settings)
	})

	t.Run("smallest offered without default", func(t *testing.T) {
		settings := Negotiate(Offer{
			SampleRates: []int{200, 50, 100},
			Resolutions: []int{22, 14},
		})
		assert.Equal(t, 50, settings.SampleRate)
		assert.Equal(t, 14, settings.Resolution)
		assert.Zero(t, settings.RangeG)
	})

	t.Run("default absent from offer falls back to smallest", func(t *testing.T) {
		settings := Negotiate(Offer{
			SampleRates:       []int{100, 200},
			DefaultSampleRate: 130,
		})
		assert.Equal(t, 100, settings.SampleRate)
	})
}

func TestKindSet(t *testing.T) {
	desired := NewKindSet(KindECG, KindHR)
	active := NewKindSet(KindHR, KindPPG)

	assert.Equal(t, []SignalKind{KindECG}, desired.Diff(active))
	assert.Equal(t, []SignalKind{KindPPG}, active.Diff(desired))
	assert.True(t, desired.Has(KindHR))
	assert.False(t, desired.Has(KindACC))
	assert.Equal(t, []SignalKind{KindECG, KindHR}, desired.Sorted())
}
