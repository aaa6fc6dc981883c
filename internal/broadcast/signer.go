package broadcast

import (
	"context"
	"encoding/hex"
	"fmt"

	nostrlib "fiatjaf.com/nostr"
)

// Signer signs lifecycle broadcast events. Only local-key signing is
// supported; nothing here provisions or manages remote NIP-46 signer
// bunkers.
type Signer interface {
	Sign(ctx context.Context, event *nostrlib.Event) error
	PublicKey() string
}

// LocalSigner signs events with a key held in process memory. Suitable
// for the lifecycle mirror's purpose (an unforgeable but
// non-custodial event stream an external dashboard can verify), unlike
// a bunker-backed production identity system.
type LocalSigner struct {
	secretKey nostrlib.SecretKey
	pubkey    string
}

// NewLocalSigner derives a signer from a hex-encoded secret key.
func NewLocalSigner(secretKeyHex string) (*LocalSigner, error) {
	var sk nostrlib.SecretKey
	b, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(b) != len(sk) {
		return nil, fmt.Errorf("invalid secret key hex")
	}
	copy(sk[:], b)

	pub := nostrlib.GetPublicKey(sk)

	return &LocalSigner{secretKey: sk, pubkey: fmt.Sprintf("%x", pub)}, nil
}

// Sign signs event in place with the local secret key.
func (s *LocalSigner) Sign(_ context.Context, event *nostrlib.Event) error {
	event.PubKey = pubKeyFromHex(s.pubkey)
	return event.Sign(s.secretKey)
}

// PublicKey returns the signer's hex-encoded public key.
func (s *LocalSigner) PublicKey() string { return s.pubkey }

func pubKeyFromHex(hexStr string) nostrlib.PubKey {
	var pk nostrlib.PubKey
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(pk) {
		return pk
	}
	copy(pk[:], b)
	return pk
}
