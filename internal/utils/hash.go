package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveUniqueID builds the stable one-way identifier that links an upstream
// account to one of its direct downstream accounts. Lookups from an upstream
// to a specific descendant go through this value only.
func DeriveUniqueID(upstreamExternalID, externalID string) string {
	sum := sha256.Sum256([]byte(upstreamExternalID + ":" + externalID))
	return hex.EncodeToString(sum[:])
}
