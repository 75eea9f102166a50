package anonymize

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/mnemon-ai/mnemon/pkg/common"
)

// relationshipIdentity builds the stable hash input for a relationship.
// The pair is ordered so both directions of an undirected link hash to
// the same identity; a single-concept cluster hashes its form alone.
func relationshipIdentity(subject, object string) string {
	if object == "" {
		return subject
	}
	a, b := common.LinkKey(subject, object)
	return a + "\x1f" + b
}

// hashIdentity derives the anonymized pattern ID. With a nil key this
// is a plain blake2b-256, irreversible by anyone. With a tenant key it
// is the keyed MAC construction, so only the key holder can recompute
// which local relationship a pattern came from. Keys longer than the
// blake2b limit of 64 bytes are rejected.
func hashIdentity(identity string, key []byte) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize hash: %w", err)
	}
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil)), nil
}
