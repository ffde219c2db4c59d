// Package chat defines the normalized event shapes shared by every bridge,
// the coordinator, and the HTTP layer.
//
// A bridge turns platform-native chat activity into ChatMessage values; the
// coordinator fans those out to Sink implementations together with
// out-of-band ControlEvent values (hide/unhide/flush-debug/keepalive) that
// ride the same path but are never buffered or deduplicated.
//
// All offsets in ChatEmote use the half-open [start, end) convention over
// the message content. Platform wire formats that use inclusive ranges are
// converted by the producing bridge.
package chat
