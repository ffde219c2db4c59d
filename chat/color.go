package chat

// usernameColors is the palette used when a platform does not supply a
// sender color. It matches the Twitch default chat palette so mixed-platform
// overlays look uniform.
var usernameColors = []string{
	"#FF0000",
	"#0000FF",
	"#00FF00",
	"#B22222",
	"#FF7F50",
	"#9ACD32",
	"#FF4500",
	"#2E8B57",
	"#DAA520",
	"#D2691E",
	"#5F9EA0",
	"#1E90FF",
	"#FF69B4",
	"#8A2BE2",
	"#00FF7F",
}

// UsernameColor returns a deterministic palette color for a username, so the
// same user always renders with the same color across reconnects.
func UsernameColor(username string) string {
	var hash int32
	for _, r := range username {
		hash = int32(r) + (hash << 5) - hash
	}
	return usernameColors[uint32(hash)%uint32(len(usernameColors))]
}
