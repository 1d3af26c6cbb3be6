package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Signer produces EIP-712 signatures over commitments for one key and one
// signing domain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, d Domain) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, d), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, d Domain) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     d,
	}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignCommitment signs c and returns a copy carrying the signature. The
// creator field is set to the signer address.
func (s *Signer) SignCommitment(c domain.Commitment) (domain.Commitment, error) {
	out := c.Clone()
	out.Creator = s.address
	digest, err := CommitmentDigest(s.domain, out)
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("crypto/signer: digest: %w", err)
	}
	sig, err := s.SignDigest(digest)
	if err != nil {
		return domain.Commitment{}, err
	}
	out.Signature = sig
	return out, nil
}

// SignDigest signs a 32-byte digest and returns r || s || v with v in
// {27, 28}.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
