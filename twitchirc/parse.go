package twitchirc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/irasychan/streamdash/chat"
)

const (
	badgeCDN = "https://static-cdn.jtvnw.net/badges/v1/%s/%s/1"
	emoteCDN = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/2.0"
)

// normalize converts a parsed PRIVMSG into the shared message shape.
func (b *Bridge) normalize(pm *twitch.PrivateMessage) (chat.ChatMessage, error) {
	name := pm.User.Name
	authorID := pm.User.ID
	if authorID == "" {
		authorID = name
	}
	if authorID == "" {
		return chat.ChatMessage{}, fmt.Errorf("privmsg without sender")
	}

	id := pm.ID
	if id == "" {
		id = uuid.NewString()
	}

	display := pm.User.DisplayName
	if display == "" {
		display = name
	}
	color := pm.User.Color
	if color == "" {
		color = chat.UsernameColor(name)
	}

	ts := pm.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := chat.ChatMessage{
		ID:        "twitch-" + id,
		Platform:  chat.PlatformTwitch,
		Timestamp: ts.UnixMilli(),
		Author: chat.ChatAuthor{
			ID:          authorID,
			Name:        name,
			DisplayName: display,
			Color:       color,
			Badges:      convertBadges(pm.User.Badges),
		},
		Content:       pm.Message,
		Emotes:        parseEmoteTag(pm.Tags["emotes"], pm.Message),
		IsModerator:   pm.Tags["mod"] == "1",
		IsSubscriber:  pm.Tags["subscriber"] == "1",
		IsHighlighted: pm.Tags["msg-id"] == "highlighted-message",
	}
	if err := msg.Validate(); err != nil {
		return chat.ChatMessage{}, err
	}
	return msg, nil
}

// convertBadges renders the badge map in a stable order. gempir collapses
// the wire's name/version pairs into a map, so versions come from values.
func convertBadges(badges map[string]int) []chat.ChatBadge {
	if len(badges) == 0 {
		return nil
	}
	names := make([]string, 0, len(badges))
	for name := range badges {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]chat.ChatBadge, 0, len(names))
	for _, name := range names {
		version := strconv.Itoa(badges[name])
		out = append(out, chat.ChatBadge{
			ID:       name + "/" + version,
			Name:     name,
			ImageURL: fmt.Sprintf(badgeCDN, name, version),
		})
	}
	return out
}

// parseEmoteTag decodes the emotes tag: id:start-end,start-end/id:start-end.
// Wire ranges are end-inclusive code-point offsets; the result uses the
// half-open [start, end) convention, with the name taken from the content
// between the original inclusive bounds. Malformed or out-of-range entries
// are skipped rather than failing the message.
func parseEmoteTag(tag, content string) []chat.ChatEmote {
	if tag == "" || content == "" {
		return nil
	}
	runes := []rune(content)

	var emotes []chat.ChatEmote
	for _, group := range strings.Split(tag, "/") {
		emoteID, positions, ok := strings.Cut(group, ":")
		if !ok || emoteID == "" {
			continue
		}
		for _, pos := range strings.Split(positions, ",") {
			startStr, endStr, ok := strings.Cut(pos, "-")
			if !ok {
				continue
			}
			start, err := strconv.Atoi(startStr)
			if err != nil {
				continue
			}
			end, err := strconv.Atoi(endStr)
			if err != nil {
				continue
			}
			if start < 0 || end < start || end >= len(runes) {
				continue
			}
			emotes = append(emotes, chat.ChatEmote{
				ID:       emoteID,
				Name:     string(runes[start : end+1]),
				Start:    start,
				End:      end + 1,
				ImageURL: fmt.Sprintf(emoteCDN, emoteID),
			})
		}
	}
	sort.Slice(emotes, func(i, j int) bool { return emotes[i].Start < emotes[j].Start })
	return emotes
}
