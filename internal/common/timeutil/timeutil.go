// Package timeutil converts between time.Time and the unix-seconds floats
// used by every persisted record.
package timeutil

import "time"

// UnixNow returns the current instant as unix seconds with sub-second
// precision.
func UnixNow() float64 {
	return ToUnix(time.Now())
}

// ToUnix converts t to unix seconds.
func ToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnix converts unix seconds to a time.Time.
func FromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// UTCStamp formats t for archive directory names: compact, sortable,
// filesystem-safe.
func UTCStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
