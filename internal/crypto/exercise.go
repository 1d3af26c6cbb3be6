package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ExerciseTypeString is the struct a taker signs to authorize exercise of
// one option before a settlement deadline.
const ExerciseTypeString = "OptionExercise(string optionId,address taker,uint256 deadline)"

var ExerciseTypeHash = ethcrypto.Keccak256Hash([]byte(ExerciseTypeString))

// ExerciseDigest returns the digest a taker signs to exercise optionID
// with a settlement deadline in unix seconds.
func ExerciseDigest(d Domain, optionID string, taker common.Address, deadline int64) (common.Hash, error) {
	structHash, err := HashStruct(ExerciseTypeHash,
		Bytes32(ethcrypto.Keccak256Hash([]byte(optionID))),
		Address(taker),
		Uint256(big.NewInt(deadline)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("crypto: exercise digest: %w", err)
	}
	return TypedDataDigest(d.Separator(), structHash), nil
}

// VerifyExercise reports whether sig authorizes taker's exercise of
// optionID with the given deadline.
func VerifyExercise(d Domain, optionID string, taker common.Address, deadline int64, sig []byte) bool {
	digest, err := ExerciseDigest(d, optionID, taker, deadline)
	if err != nil {
		return false
	}
	return Verify(digest, sig, taker)
}

// SignExercise signs an exercise authorization for optionID.
func (s *Signer) SignExercise(optionID string, deadline int64) ([]byte, error) {
	digest, err := ExerciseDigest(s.domain, optionID, s.address, deadline)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}
