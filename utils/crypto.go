package utils

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// HashAPIKey produces the one-way identifier passed on-chain in place of
// the raw API key. The settlement contract keys its own spending ceilings
// by this hash, so the key itself never leaves the gateway.
func HashAPIKey(apiKeyID string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(apiKeyID)))
	return out
}

// InvoiceRef derives the bytes32 reference id recorded on-chain for a
// settlement, scoped to the workspace so the same provider invoice id in
// two workspaces yields distinct references.
func InvoiceRef(workspaceID, invoiceID string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(workspaceID), []byte{0x00}, []byte(invoiceID)))
	return out
}
