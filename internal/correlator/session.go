package correlator

import "time"

// SessionID returns the stream session id for the wall-clock day containing t
// in loc, of the form stream_YYYY_MM_DD. A nil loc falls back to UTC.
//
// Session ids identify a stream day, not a process lifetime: windows sealed
// across restarts within the same day share one id, and a stream running past
// midnight rolls over on the next window reset.
func SessionID(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return "stream_" + t.In(loc).Format("2006_01_02")
}
