package conn

// PrefixWatchURLPrefix marks a control-stream OPEN_STREAM url as a
// subscribe-by-prefix ("notify") request rather than a media subscribe
// (spec §4.6). The wire protocol (spec §6) has no dedicated notify
// message; this reuses OPEN_STREAM/REPAIR with a url namespace no real
// media url can collide with (an OPEN_STREAM url beginning with a NUL
// byte), each matching url delivered to the subscriber as one REPAIR
// fragment's payload, one object per url.
const PrefixWatchURLPrefix = "\x00prefix:"

// WatchPrefixURL builds the url a client passes to OpenSubscribeInto to
// watch for new urls beginning with prefix.
func WatchPrefixURL(prefix string) string { return PrefixWatchURLPrefix + prefix }
