package frame

import (
	"fmt"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// PeerIDLen is the width of a peer id on the wire.
// All participants of a network must agree on it.
const PeerIDLen = 32

// A PeerID identifies a peer independently of its address.
type PeerID [PeerIDLen]byte

// PeerIDFromKey derives a PeerID from arbitrary key material (typically a public key) with BLAKE3-256.
func PeerIDFromKey(key []byte) PeerID {
	return blake3.Sum256(key)
}

// ParsePeerID decodes the base58 form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("failed to decode peer id: %w", err)
	} else if len(b) != PeerIDLen {
		return id, fmt.Errorf("peer id must be %d bytes (got %d)", PeerIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58 form of the id.
func (id PeerID) String() string {
	return base58.Encode(id[:])
}
