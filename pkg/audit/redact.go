package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// redactEvent replaces direct identifiers with salted hashes so the
// durable log stays useful for correlation without storing raw IPs.
func redactEvent(evt Event, salt []byte) Event {
	if evt.IP != "" {
		evt.IP = hashString(evt.IP, salt)
	}
	if evt.ActorID != nil {
		hashed := hashString(strconv.FormatInt(*evt.ActorID, 10), salt)
		if evt.Meta == nil {
			evt.Meta = map[string]any{}
		}
		evt.Meta["actor_hash"] = hashed
		evt.ActorID = nil
	}
	return evt
}

func hashString(value string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
