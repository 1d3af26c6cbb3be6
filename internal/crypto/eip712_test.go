package crypto

import (
	"math/big"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testDomain(t *testing.T) Domain {
	t.Helper()
	d, err := NewDomain(DefaultDomainName, DefaultDomainVersion, big.NewInt(31337), testContract)
	require.NoError(t, err)
	return d
}

func testCommitment() domain.Commitment {
	return domain.Commitment{
		Asset:           common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Amount:          big.NewInt(1_000_000_000_000_000_000),
		PremiumRate:     big.NewInt(25_000_000),
		MinDurationDays: 1,
		MaxDurationDays: 30,
		OptionType:      domain.OptionTypeCall,
		CommitmentType:  domain.CommitmentTypeLPOffer,
		Expiry:          1_900_000_000,
		Nonce:           big.NewInt(7),
		Fractionable:    true,
	}
}

func apitypesDigest(t *testing.T, d Domain, c domain.Commitment) common.Hash {
	t.Helper()
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"OptionCommitment": []apitypes.Type{
				{Name: "creator", Type: "address"},
				{Name: "asset", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "premiumAmount", Type: "uint256"},
				{Name: "minDurationDays", Type: "uint256"},
				{Name: "maxDurationDays", Type: "uint256"},
				{Name: "optionType", Type: "uint8"},
				{Name: "commitmentType", Type: "uint8"},
				{Name: "expiry", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "OptionCommitment",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID.Int64()),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"creator":         c.Creator.Hex(),
			"asset":           c.Asset.Hex(),
			"amount":          c.Amount.String(),
			"premiumAmount":   c.PremiumRate.String(),
			"minDurationDays": strconv.FormatUint(uint64(c.MinDurationDays), 10),
			"maxDurationDays": strconv.FormatUint(uint64(c.MaxDurationDays), 10),
			"optionType":      strconv.Itoa(int(c.OptionType)),
			"commitmentType":  strconv.Itoa(int(c.CommitmentType)),
			"expiry":          strconv.FormatInt(c.Expiry, 10),
			"nonce":           c.Nonce.String(),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	return common.BytesToHash(hash)
}

func TestTypeHashesMatchTypeStrings(t *testing.T) {
	require.Equal(t, ethcrypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)")), DomainTypeHash)
	require.NotEqual(t, UnifiedTypeHash, LegacyTypeHash)
}

func TestCommitmentDigestMatchesApitypes(t *testing.T) {
	d := testDomain(t)
	c := testCommitment()
	c.Creator = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	got, err := CommitmentDigest(d, c)
	require.NoError(t, err)
	require.Equal(t, apitypesDigest(t, d, c), got)
}

func TestSignAndVerifyCommitment(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)

	signed, err := s.SignCommitment(testCommitment())
	require.NoError(t, err)
	require.Equal(t, s.Address(), signed.Creator)
	require.Len(t, signed.Signature, SignatureLength)
	require.True(t, VerifyCommitment(d, signed))

	digest, err := CommitmentDigest(d, signed)
	require.NoError(t, err)
	got, err := RecoverDigest(digest, signed.Signature)
	require.NoError(t, err)
	require.Equal(t, s.Address(), got)

	typeHash, fields := CommitmentFields(signed)
	got, err = Recover(d.Separator(), typeHash, fields, signed.Signature)
	require.NoError(t, err)
	require.Equal(t, s.Address(), got)
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)
	signed, err := s.SignCommitment(testCommitment())
	require.NoError(t, err)

	tamper := map[string]func(c *domain.Commitment){
		"amount":         func(c *domain.Commitment) { c.Amount = new(big.Int).Add(c.Amount, big.NewInt(1)) },
		"premium":        func(c *domain.Commitment) { c.PremiumRate = big.NewInt(1) },
		"min days":       func(c *domain.Commitment) { c.MinDurationDays = 2 },
		"max days":       func(c *domain.Commitment) { c.MaxDurationDays = 31 },
		"option type":    func(c *domain.Commitment) { c.OptionType = domain.OptionTypePut },
		"commit type":    func(c *domain.Commitment) { c.CommitmentType = domain.CommitmentTypeTakerDemand },
		"expiry":         func(c *domain.Commitment) { c.Expiry++ },
		"nonce":          func(c *domain.Commitment) { c.Nonce = big.NewInt(8) },
		"asset":          func(c *domain.Commitment) { c.Asset = common.HexToAddress("0x01") },
		"creator":        func(c *domain.Commitment) { c.Creator = common.HexToAddress("0x02") },
		"legacy schema":  func(c *domain.Commitment) { c.Schema = domain.SchemaLegacy },
		"signature byte": func(c *domain.Commitment) { c.Signature[10] ^= 0x01 },
	}
	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			c := signed.Clone()
			mutate(&c)
			require.False(t, VerifyCommitment(d, c))
		})
	}

	other, err := NewDomain(DefaultDomainName, DefaultDomainVersion, big.NewInt(1), testContract)
	require.NoError(t, err)
	require.False(t, VerifyCommitment(other, signed))
}

func TestFractionableIsNotSigned(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)
	signed, err := s.SignCommitment(testCommitment())
	require.NoError(t, err)

	flipped := signed.Clone()
	flipped.Fractionable = !flipped.Fractionable
	require.True(t, VerifyCommitment(d, flipped))

	a, err := CommitmentID(signed)
	require.NoError(t, err)
	b, err := CommitmentID(flipped)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestLegacySchemaRoundTrip(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)

	legacy := domain.LegacyCommitment{
		Asset:            common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Amount:           big.NewInt(5e17),
		DailyPremiumUsdc: big.NewInt(10_000_000),
		MinLockDays:      3,
		MaxDurationDays:  14,
		OptionType:       domain.OptionTypePut,
		Expiry:           1_900_000_000,
		Nonce:            big.NewInt(1),
	}
	signed, err := s.SignCommitment(legacy.Unified())
	require.NoError(t, err)
	require.Equal(t, domain.SchemaLegacy, signed.Schema)
	require.True(t, VerifyCommitment(d, signed))

	asUnified := signed.Clone()
	asUnified.Schema = domain.SchemaUnified
	require.False(t, VerifyCommitment(d, asUnified))
}

func TestRecoverDigestMalformed(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)
	digest := ethcrypto.Keccak256Hash([]byte("digest"))
	sig, err := s.SignDigest(digest)
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[64])

	_, err = RecoverDigest(digest, sig[:64])
	require.ErrorIs(t, err, domain.ErrBadSignature)
	_, err = RecoverDigest(digest, nil)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	badV := append([]byte(nil), sig...)
	badV[64] = 5
	_, err = RecoverDigest(digest, badV)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	// v in {0,1} is accepted and the input is left untouched.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	before := append([]byte(nil), raw...)
	got, err := RecoverDigest(digest, raw)
	require.NoError(t, err)
	require.Equal(t, s.Address(), got)
	require.Equal(t, before, raw)

	require.False(t, Verify(digest, sig, common.Address{}))
}

func TestRecoverDigestRejectsHighS(t *testing.T) {
	d := testDomain(t)
	s, err := NewSigner(testKey, d)
	require.NoError(t, err)
	digest := ethcrypto.Keccak256Hash([]byte("malleable"))
	sig, err := s.SignDigest(digest)
	require.NoError(t, err)

	n := ethcrypto.S256().Params().N
	sVal := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(n, sVal)
	mall := append([]byte(nil), sig...)
	highS.FillBytes(mall[32:64])
	mall[64] = 55 - mall[64] // flip 27 <-> 28

	_, err = RecoverDigest(digest, mall)
	require.ErrorIs(t, err, domain.ErrBadSignature)
	require.False(t, Verify(digest, mall, s.Address()))
}

func TestCommitmentIDDeterministic(t *testing.T) {
	c := testCommitment()
	a, err := CommitmentID(c)
	require.NoError(t, err)
	c.Signature = []byte{1, 2, 3}
	b, err := CommitmentID(c)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c.Nonce = big.NewInt(8)
	other, err := CommitmentID(c)
	require.NoError(t, err)
	require.NotEqual(t, a, other)
}

func TestNewDomainRejectsZeroChain(t *testing.T) {
	_, err := NewDomain("x", "1", big.NewInt(0), testContract)
	require.Error(t, err)
	_, err = NewDomain("x", "1", nil, testContract)
	require.Error(t, err)
}
