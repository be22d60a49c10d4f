package payload

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// channelPrefix namespaces derived channel ids on the network.
const channelPrefix = "dchat"

// ChannelID derives the network channel identifier for a human-readable
// topic name. The display name is normalized by stripping leading marker
// characters, then hashed; the derived id, not the display name, is what
// is subscribed and published against.
func ChannelID(topic string) string {
	name := strings.TrimLeft(topic, "#")
	sum := sha1.Sum([]byte(name))
	return channelPrefix + hex.EncodeToString(sum[:])
}
