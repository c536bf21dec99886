package view

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Colony routing/state.
	ErrColonyNotFound = "E_COLONY_NOT_FOUND"
	ErrColonyBusy     = "E_COLONY_BUSY"

	// Request layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrUnknownToken = "E_UNKNOWN_TOKEN"
	ErrConflict     = "E_CONFLICT"
	ErrRateLimit    = "E_RATE_LIMIT"
	ErrStale        = "E_STALE"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrColonyNotFound:  {},
	ErrColonyBusy:      {},
	ErrBadRequest:      {},
	ErrUnknownToken:    {},
	ErrConflict:        {},
	ErrRateLimit:       {},
	ErrStale:           {},
	ErrInternal:        {},
}

// IsKnownCode reports whether code is a defined error code. The empty
// code means no error.
func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
