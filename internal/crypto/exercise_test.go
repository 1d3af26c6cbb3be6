package crypto

import (
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

func TestExerciseDigestMatchesApitypes(t *testing.T) {
	d := testDomain(t)
	taker := common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	got, err := ExerciseDigest(d, "opt-1", taker, 1_900_000_000)
	require.NoError(t, err)

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"OptionExercise": []apitypes.Type{
				{Name: "optionId", Type: "string"},
				{Name: "taker", Type: "address"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "OptionExercise",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID.Int64()),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"optionId": "opt-1",
			"taker":    taker.Hex(),
			"deadline": strconv.FormatInt(1_900_000_000, 10),
		},
	}
	want, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	require.Equal(t, common.BytesToHash(want), got)
}

func TestSignAndVerifyExercise(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)

	sig, err := s.SignExercise("opt-1", 1_900_000_000)
	require.NoError(t, err)
	require.True(t, VerifyExercise(d, "opt-1", s.Address(), 1_900_000_000, sig))

	require.False(t, VerifyExercise(d, "opt-2", s.Address(), 1_900_000_000, sig), "other option")
	require.False(t, VerifyExercise(d, "opt-1", s.Address(), 1_900_000_001, sig), "other deadline")
	require.False(t, VerifyExercise(d, "opt-1", common.HexToAddress("0x01"), 1_900_000_000, sig), "other taker")
	require.False(t, VerifyExercise(d, "opt-1", s.Address(), 1_900_000_000, sig[:64]), "short signature")
}
