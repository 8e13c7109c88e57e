package capture

import (
	"crypto/rand"
	"fmt"
)

const sessionIDLength = 6

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// generateSessionID returns a 6-character base36 session token, grounded
// on original_source/scrop-capture/src/types.rs's generate_session_id.
func generateSessionID() string {
	buf := make([]byte, sessionIDLength)
	idx := make([]byte, sessionIDLength)
	if _, err := rand.Read(idx); err != nil {
		// crypto/rand.Read failing means the OS RNG is broken; fall back
		// to an all-zero token rather than panicking the capture daemon.
		idx = make([]byte, sessionIDLength)
	}
	for i, b := range idx {
		buf[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(buf)
}

// buildPacketID formats a packet's user-facing ID, grounded on
// original_source/scrop-capture/src/types.rs's build_packet_id.
func buildPacketID(sessionID string, counter uint64) string {
	return fmt.Sprintf("pkt-%s-%d", sessionID, counter)
}
