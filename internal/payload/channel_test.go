package payload

import (
	"strings"
	"testing"
)

func TestChannelIDStable(t *testing.T) {
	a := ChannelID("#cats")
	b := ChannelID("#cats")
	if a != b {
		t.Errorf("ChannelID not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "dchat") {
		t.Errorf("ChannelID = %q, want dchat prefix", a)
	}
	// dchat + 40 hex chars of sha1.
	if len(a) != len("dchat")+40 {
		t.Errorf("len = %d", len(a))
	}
}

func TestChannelIDNormalizesMarkers(t *testing.T) {
	if ChannelID("#cats") != ChannelID("cats") {
		t.Error("leading # changes the channel")
	}
	if ChannelID("##cats") != ChannelID("cats") {
		t.Error("repeated markers change the channel")
	}
	if ChannelID("cats") == ChannelID("dogs") {
		t.Error("distinct topics collide")
	}
}
