package events

import (
	"errors"
	"strconv"
	"strings"
)

const keySeparator = ":"

var ErrMalformedIdempotencyKey = errors.New("events: malformed idempotency key")

// BuildIdempotencyKey returns eventId:aggregateId:version. The same inputs always
// yield the same key.
func BuildIdempotencyKey(eventID, aggregateID string, version uint64) string {
	return eventID + keySeparator + aggregateID + keySeparator + strconv.FormatUint(version, 10)
}

// ParseIdempotencyKey splits a key built by BuildIdempotencyKey. Aggregate ids may
// themselves contain the separator; event ids may not.
func ParseIdempotencyKey(key string) (eventID, aggregateID string, version uint64, err error) {
	first := strings.Index(key, keySeparator)
	last := strings.LastIndex(key, keySeparator)
	if first <= 0 || last <= first+1 || last == len(key)-1 {
		return "", "", 0, ErrMalformedIdempotencyKey
	}
	version, err = strconv.ParseUint(key[last+1:], 10, 64)
	if err != nil || version == 0 {
		return "", "", 0, ErrMalformedIdempotencyKey
	}
	return key[:first], key[first+1 : last], version, nil
}
