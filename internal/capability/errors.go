package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized capability errors. ErrAlreadyInState covers the benign race the
// hardware API reports when a start or stop targets a subscription that is
// already in the requested state; callers absorb it as idempotent success.
var (
	ErrAlreadyInState = errors.New("ALREADY_IN_STATE")
	ErrUnsupported    = errors.New("UNSUPPORTED")
	ErrDisconnected   = errors.New("DISCONNECTED")
	ErrBusy           = errors.New("BUSY")
	ErrInternal       = errors.New("INTERNAL")
)

// VendorMap defines the error token mapping for a specific sensor vendor.
type VendorMap struct {
	AlreadyInState []string
	Unsupported    []string
	Disconnected   []string
	Busy           []string
}

// VendorErrorMappings contains the deterministic token tables per vendor.
// Unknown tokens map to INTERNAL; unknown vendors fall back to "generic".
var VendorErrorMappings = map[string]VendorMap{
	"polar": {
		AlreadyInState: []string{
			"ALREADY_IN_STATE",
			"ALREADY_STREAMING",
			"STREAM_ALREADY_STARTED",
			"STREAM_ALREADY_STOPPED",
			"NOTIFICATION_ALREADY_ENABLED",
		},
		Unsupported: []string{
			"FEATURE_NOT_SUPPORTED",
			"INVALID_SETTING",
			"SETTING_NOT_AVAILABLE",
			"MEASUREMENT_NOT_SUPPORTED",
		},
		Disconnected: []string{
			"DEVICE_DISCONNECTED",
			"CONNECTION_LOST",
			"GATT_ERROR",
			"DEVICE_NOT_CONNECTED",
		},
		Busy: []string{
			"OPERATION_IN_PROGRESS",
			"GATT_BUSY",
			"REQUEST_PENDING",
		},
	},
	"generic": {
		AlreadyInState: []string{
			"ALREADY_IN_STATE",
			"ALREADY_STARTED",
			"ALREADY_STOPPED",
			"DUPLICATE",
		},
		Unsupported: []string{
			"UNSUPPORTED",
			"NOT_SUPPORTED",
			"INVALID_SETTING",
		},
		Disconnected: []string{
			"DISCONNECTED",
			"CONNECTION_LOST",
			"OFFLINE",
		},
		Busy: []string{
			"BUSY",
			"IN_PROGRESS",
			"RETRY",
		},
	},
}

// VendorError wraps a vendor error with its normalized code and the opaque
// vendor payload for diagnostics.
type VendorError struct {
	Code     error
	Original error
	Details  interface{}
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%v (vendor: %v)", e.Code, e.Original)
}

func (e *VendorError) Unwrap() error {
	return e.Code
}

// NormalizeVendorError maps a vendor error to a normalized code using the
// generic token table.
func NormalizeVendorError(vendorErr error, vendorPayload interface{}) error {
	return NormalizeVendorErrorWithVendor(vendorErr, vendorPayload, "generic")
}

// NormalizeVendorErrorWithVendor maps a vendor error using a specific vendor's
// token table.
func NormalizeVendorErrorWithVendor(vendorErr error, vendorPayload interface{}, vendorID string) error {
	if vendorErr == nil {
		return nil
	}

	// Already normalized errors pass through untouched.
	var ve *VendorError
	if errors.As(vendorErr, &ve) {
		return vendorErr
	}

	return &VendorError{
		Code:     mapVendorErrorToCode(vendorErr.Error(), vendorID),
		Original: vendorErr,
		Details:  vendorPayload,
	}
}

// IsAlreadyInState reports whether err normalizes to the benign
// "already in requested state" class.
func IsAlreadyInState(err error) bool {
	return errors.Is(err, ErrAlreadyInState)
}

func mapVendorErrorToCode(msg string, vendorID string) error {
	vendorMap, exists := VendorErrorMappings[vendorID]
	if !exists {
		vendorMap = VendorErrorMappings["generic"]
	}

	upperMsg := strings.ToUpper(msg)

	for _, token := range vendorMap.AlreadyInState {
		if strings.Contains(upperMsg, token) {
			return ErrAlreadyInState
		}
	}
	for _, token := range vendorMap.Unsupported {
		if strings.Contains(upperMsg, token) {
			return ErrUnsupported
		}
	}
	for _, token := range vendorMap.Disconnected {
		if strings.Contains(upperMsg, token) {
			return ErrDisconnected
		}
	}
	for _, token := range vendorMap.Busy {
		if strings.Contains(upperMsg, token) {
			return ErrBusy
		}
	}

	return ErrInternal
}
