// Package jsontime provides the serializable time types used on wire
// payloads: heartbeat records, node info, and the "timestamp" fields of
// bus message payloads round-trip through these rather than time.Time's RFC 3339
// default, so the epoch-milliseconds representation survives re-encoding
// exactly.
package jsontime

import "time"

// Milli is a wall-clock instant stored as milliseconds since the Unix
// epoch. Keeping the integer itself as the representation means the type
// marshals to the same number under encoding/json and msgpack with no
// custom codec, and two instants that encode equal are equal.
type Milli int64

// Now returns the current instant.
func Now() Milli {
	return At(time.Now())
}

// At converts a time.Time, discarding sub-millisecond precision.
func At(t time.Time) Milli {
	return Milli(t.UnixMilli())
}

// Time converts back to a time.Time in the local zone.
func (m Milli) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// IsZero reports whether m is the zero instant (the epoch itself is not
// a meaningful timestamp anywhere on this wire).
func (m Milli) IsZero() bool {
	return m == 0
}

// Sub returns the duration m-o.
func (m Milli) Sub(o Milli) time.Duration {
	return time.Duration(m-o) * time.Millisecond
}

// Add returns the instant m+d, rounded to milliseconds.
func (m Milli) Add(d time.Duration) Milli {
	return m + Milli(d.Milliseconds())
}

// String formats the instant for logs.
func (m Milli) String() string {
	return m.Time().Format(time.RFC3339Nano)
}
