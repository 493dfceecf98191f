package crypto

import (
	"crypto"
)

// Signer extends crypto.Signer with algorithm metadata and a health probe.
// The CA treats its signer as a capability that may be temporarily
// unavailable (an HSM session can drop between requests).
type Signer interface {
	crypto.Signer

	// Algorithm returns the algorithm identifier for this signer.
	Algorithm() AlgorithmID

	// Healthy reports whether the signer can currently sign.
	Healthy() bool
}
