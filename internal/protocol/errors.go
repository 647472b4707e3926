package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Seat routing.
	ErrNoSeat     = "E_NO_SEAT"
	ErrSeatTaken  = "E_SEAT_TAKEN"
	ErrSessionEnd = "E_SESSION_END"

	// Decision layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrMalformed  = "E_MALFORMED"
	ErrTimeout    = "E_TIMEOUT"
	ErrStale      = "E_STALE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrNoSeat:          {},
	ErrSeatTaken:       {},
	ErrSessionEnd:      {},
	ErrBadRequest:      {},
	ErrMalformed:       {},
	ErrTimeout:         {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Retryable reports whether a remote agent error code describes a condition
// that may clear on a later attempt.
func Retryable(code string) bool {
	switch code {
	case ErrNoSeat, ErrTimeout, ErrStale, ErrInternal, ErrMalformed:
		return true
	}
	return false
}
