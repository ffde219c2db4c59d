package chat

import "testing"

func TestUsernameColorDeterministic(t *testing.T) {
	a := UsernameColor("pogchamp_lover")
	b := UsernameColor("pogchamp_lover")
	if a != b {
		t.Errorf("same username produced different colors: %s vs %s", a, b)
	}
}

func TestUsernameColorFromPalette(t *testing.T) {
	names := []string{"", "a", "nightbot", "StreamFan42", "日本語ユーザー"}
	for _, name := range names {
		got := UsernameColor(name)
		found := false
		for _, c := range usernameColors {
			if c == got {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("UsernameColor(%q) = %s, not in palette", name, got)
		}
	}
}
