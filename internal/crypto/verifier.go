package crypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// SignatureLength is the length of an r || s || v signature.
const SignatureLength = 65

var errMalformed = errors.New("malformed signature")

// RecoverDigest returns the address whose key produced sig over digest.
// It accepts v in {0, 1, 27, 28} and rejects high-s signatures. The input
// slice is never modified.
func RecoverDigest(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %w: length %d", domain.ErrBadSignature, errMalformed, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	v := normalized[64]
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: %w: invalid r, s or v", domain.ErrBadSignature, errMalformed)
	}
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %v", domain.ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Recover runs both hashing stages and recovers the signer of a typed-data
// struct.
func Recover(domainSeparator, typeHash common.Hash, fields []Field, sig []byte) (common.Address, error) {
	structHash, err := HashStruct(typeHash, fields...)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	return RecoverDigest(TypedDataDigest(domainSeparator, structHash), sig)
}

// Verify reports whether sig over digest was produced by expected. Any
// malformed input yields false.
func Verify(digest common.Hash, sig []byte, expected common.Address) bool {
	if expected == (common.Address{}) {
		return false
	}
	got, err := RecoverDigest(digest, sig)
	if err != nil {
		return false
	}
	return got == expected
}

// VerifyCommitment checks that c carries a valid signature by c.Creator
// under d, using the struct that matches its schema.
func VerifyCommitment(d Domain, c domain.Commitment) bool {
	digest, err := CommitmentDigest(d, c)
	if err != nil {
		return false
	}
	return Verify(digest, c.Signature, c.Creator)
}
