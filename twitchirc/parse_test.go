package twitchirc

import (
	"strings"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/irasychan/streamdash/chat"
)

func parseRawPrivmsg(t *testing.T, raw string) *twitch.PrivateMessage {
	t.Helper()
	pm, ok := twitch.ParseMessage(raw).(*twitch.PrivateMessage)
	if !ok {
		t.Fatalf("line did not parse as PRIVMSG: %s", raw)
	}
	return pm
}

func TestNormalizePrivmsg(t *testing.T) {
	raw := "@badges=moderator/1,subscriber/12;color=#00FF7F;display-name=StreamFan42;emotes=25:0-4;id=abc-123;mod=1;subscriber=1;tmi-sent-ts=1737000000000;user-id=777 " +
		":streamfan42!streamfan42@streamfan42.tmi.twitch.tv PRIVMSG #somechannel :Kappa hello"

	b := New("somechannel", "", "")
	msg, err := b.normalize(parseRawPrivmsg(t, raw))
	if err != nil {
		t.Fatalf("normalize() error = %v", err)
	}

	if msg.ID != "twitch-abc-123" {
		t.Errorf("ID = %q, want twitch-abc-123", msg.ID)
	}
	if msg.Platform != chat.PlatformTwitch {
		t.Errorf("Platform = %q", msg.Platform)
	}
	if msg.Timestamp != 1737000000000 {
		t.Errorf("Timestamp = %d, want 1737000000000", msg.Timestamp)
	}
	if msg.Author.ID != "777" || msg.Author.Name != "streamfan42" || msg.Author.DisplayName != "StreamFan42" {
		t.Errorf("Author = %+v", msg.Author)
	}
	if msg.Author.Color != "#00FF7F" {
		t.Errorf("Color = %q, want #00FF7F", msg.Author.Color)
	}
	if !msg.IsModerator || !msg.IsSubscriber {
		t.Errorf("flags: mod=%v sub=%v, want both true", msg.IsModerator, msg.IsSubscriber)
	}
	if msg.Content != "Kappa hello" {
		t.Errorf("Content = %q", msg.Content)
	}

	if len(msg.Emotes) != 1 {
		t.Fatalf("Emotes = %+v, want one entry", msg.Emotes)
	}
	e := msg.Emotes[0]
	if e.ID != "25" || e.Start != 0 || e.End != 5 || e.Name != "Kappa" {
		t.Errorf("Emote = %+v, want id=25 start=0 end=5 name=Kappa", e)
	}
	if msg.Content[e.Start:e.End] != e.Name {
		t.Errorf("emote name %q does not match content slice %q", e.Name, msg.Content[e.Start:e.End])
	}

	if len(msg.Author.Badges) != 2 {
		t.Fatalf("Badges = %+v, want two entries", msg.Author.Badges)
	}
	if msg.Author.Badges[0].Name != "moderator" || msg.Author.Badges[1].Name != "subscriber" {
		t.Errorf("badge order = %+v, want moderator then subscriber", msg.Author.Badges)
	}
}

func TestNormalizeColorFallback(t *testing.T) {
	raw := "@display-name=Viewer;id=m1;user-id=42;tmi-sent-ts=1737000000000 " +
		":viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #somechannel :no color set"

	b := New("somechannel", "", "")
	msg, err := b.normalize(parseRawPrivmsg(t, raw))
	if err != nil {
		t.Fatalf("normalize() error = %v", err)
	}
	want := chat.UsernameColor("viewer")
	if msg.Author.Color != want {
		t.Errorf("Color = %q, want palette color %q", msg.Author.Color, want)
	}
	if !strings.HasPrefix(want, "#") {
		t.Errorf("palette color %q not a hex color", want)
	}
}

func TestParseEmoteTag(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		content string
		want    []chat.ChatEmote
	}{
		{
			name:    "single occurrence",
			tag:     "25:0-4",
			content: "Kappa",
			want:    []chat.ChatEmote{{ID: "25", Name: "Kappa", Start: 0, End: 5}},
		},
		{
			name:    "multiple occurrences sorted",
			tag:     "25:6-10,0-4",
			content: "Kappa Kappa",
			want: []chat.ChatEmote{
				{ID: "25", Name: "Kappa", Start: 0, End: 5},
				{ID: "25", Name: "Kappa", Start: 6, End: 11},
			},
		},
		{
			name:    "multiple emote ids",
			tag:     "25:0-4/1902:6-10",
			content: "Kappa Keepo",
			want: []chat.ChatEmote{
				{ID: "25", Name: "Kappa", Start: 0, End: 5},
				{ID: "1902", Name: "Keepo", Start: 6, End: 11},
			},
		},
		{
			name:    "out of range skipped",
			tag:     "25:0-4,40-44",
			content: "Kappa",
			want:    []chat.ChatEmote{{ID: "25", Name: "Kappa", Start: 0, End: 5}},
		},
		{
			name:    "malformed entries skipped",
			tag:     "25:x-4/:0-4/25:3",
			content: "Kappa",
			want:    nil,
		},
		{
			name:    "empty tag",
			tag:     "",
			content: "Kappa",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseEmoteTag(tt.tag, tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("parseEmoteTag() = %+v, want %d entries", got, len(tt.want))
			}
			for i, w := range tt.want {
				g := got[i]
				if g.ID != w.ID || g.Name != w.Name || g.Start != w.Start || g.End != w.End {
					t.Errorf("emote[%d] = %+v, want %+v", i, g, w)
				}
			}
		})
	}
}
