// Package crypto implements EIP-712 typed-data hashing, signing and signer
// recovery for option commitments, plus encrypted key storage for the
// signing tool.
package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Canonical type strings. The field order here is the encoding order and
// must never change; signatures are portable only while it is fixed.
const (
	DomainTypeString = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

	UnifiedTypeString = "OptionCommitment(address creator,address asset,uint256 amount,uint256 premiumAmount,uint256 minDurationDays,uint256 maxDurationDays,uint8 optionType,uint8 commitmentType,uint256 expiry,uint256 nonce)"

	LegacyTypeString = "OptionCommitment(address lp,address asset,uint256 amount,uint256 dailyPremiumUsdc,uint256 minLockDays,uint256 maxDurationDays,uint8 optionType,uint256 expiry,uint256 nonce)"
)

const (
	DefaultDomainName    = "DurationOptions"
	DefaultDomainVersion = "1"
)

var (
	DomainTypeHash  = ethcrypto.Keccak256Hash([]byte(DomainTypeString))
	UnifiedTypeHash = ethcrypto.Keccak256Hash([]byte(UnifiedTypeString))
	LegacyTypeHash  = ethcrypto.Keccak256Hash([]byte(LegacyTypeString))

	unifiedTag = ethcrypto.Keccak256Hash([]byte(domain.SchemaUnified))
	legacyTag  = ethcrypto.Keccak256Hash([]byte(domain.SchemaLegacy))
)

var (
	bytes32Type = mustType("bytes32")
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	uint8Type   = mustType("uint8")
	boolType    = mustType("bool")
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("crypto: abi type " + t + ": " + err.Error())
	}
	return typ
}

// Field is one value of a typed-data struct in encoding order. Value must
// be common.Hash for bytes32, common.Address for address, *big.Int for
// uint256, uint8 for uint8 and bool for bool.
type Field struct {
	Type  abi.Type
	Value any
}

// Bytes32 returns a bytes32 field.
func Bytes32(h common.Hash) Field { return Field{Type: bytes32Type, Value: h} }

// Address returns an address field.
func Address(a common.Address) Field { return Field{Type: addressType, Value: a} }

// Uint256 returns a uint256 field. A nil value encodes as zero.
func Uint256(v *big.Int) Field {
	if v == nil {
		v = new(big.Int)
	}
	return Field{Type: uint256Type, Value: v}
}

// Uint8 returns a uint8 field.
func Uint8(v uint8) Field { return Field{Type: uint8Type, Value: v} }

// Bool returns a bool field.
func Bool(v bool) Field { return Field{Type: boolType, Value: v} }

// Domain is the signing domain. Build it once at startup with NewDomain and
// pass it to the components that hash or verify commitments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address

	separator common.Hash
}

// NewDomain computes and caches the domain separator:
//
//	keccak256(abi.encode(typeHash, keccak(name), keccak(version), chainId, verifyingContract))
func NewDomain(name, version string, chainID *big.Int, verifyingContract common.Address) (Domain, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return Domain{}, fmt.Errorf("crypto: chain id must be positive")
	}
	d := Domain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}
	sep, err := HashStruct(DomainTypeHash,
		Bytes32(ethcrypto.Keccak256Hash([]byte(name))),
		Bytes32(ethcrypto.Keccak256Hash([]byte(version))),
		Uint256(d.ChainID),
		Address(verifyingContract),
	)
	if err != nil {
		return Domain{}, fmt.Errorf("crypto: domain separator: %w", err)
	}
	d.separator = sep
	return d, nil
}

// Separator returns the cached domain separator.
func (d Domain) Separator() common.Hash {
	return d.separator
}

// HashStruct returns keccak256(abi.encode(typeHash, fields...)).
func HashStruct(typeHash common.Hash, fields ...Field) (common.Hash, error) {
	args := make(abi.Arguments, 0, len(fields)+1)
	values := make([]any, 0, len(fields)+1)
	args = append(args, abi.Argument{Type: bytes32Type})
	values = append(values, typeHash)
	for _, f := range fields {
		args = append(args, abi.Argument{Type: f.Type})
		values = append(values, f.Value)
	}
	encoded, err := args.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("crypto: abi encode: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// TypedDataDigest computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func TypedDataDigest(domainSeparator, structHash common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], structHash[:])
}

// CommitmentFields returns the type hash and ordered fields a commitment is
// signed over, selected by its schema.
func CommitmentFields(c domain.Commitment) (common.Hash, []Field) {
	if c.SchemaOrDefault() == domain.SchemaLegacy {
		return LegacyTypeHash, []Field{
			Address(c.Creator),
			Address(c.Asset),
			Uint256(c.Amount),
			Uint256(c.PremiumRate),
			Uint256(new(big.Int).SetUint64(uint64(c.MinDurationDays))),
			Uint256(new(big.Int).SetUint64(uint64(c.MaxDurationDays))),
			Uint8(uint8(c.OptionType)),
			Uint256(big.NewInt(c.Expiry)),
			Uint256(c.Nonce),
		}
	}
	return UnifiedTypeHash, []Field{
		Address(c.Creator),
		Address(c.Asset),
		Uint256(c.Amount),
		Uint256(c.PremiumRate),
		Uint256(new(big.Int).SetUint64(uint64(c.MinDurationDays))),
		Uint256(new(big.Int).SetUint64(uint64(c.MaxDurationDays))),
		Uint8(uint8(c.OptionType)),
		Uint8(uint8(c.CommitmentType)),
		Uint256(big.NewInt(c.Expiry)),
		Uint256(c.Nonce),
	}
}

// CommitmentDigest returns the digest a commitment's creator signs.
func CommitmentDigest(d Domain, c domain.Commitment) (common.Hash, error) {
	typeHash, fields := CommitmentFields(c)
	structHash, err := HashStruct(typeHash, fields...)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataDigest(d.Separator(), structHash), nil
}

// CommitmentID returns the content-addressed identity of a commitment: the
// hash of every non-signature field, including fractionable and schema.
// It does not depend on the signing domain.
func CommitmentID(c domain.Commitment) (common.Hash, error) {
	tag := unifiedTag
	if c.SchemaOrDefault() == domain.SchemaLegacy {
		tag = legacyTag
	}
	id, err := HashStruct(tag,
		Address(c.Creator),
		Address(c.Asset),
		Uint256(c.Amount),
		Uint256(c.PremiumRate),
		Uint256(new(big.Int).SetUint64(uint64(c.MinDurationDays))),
		Uint256(new(big.Int).SetUint64(uint64(c.MaxDurationDays))),
		Uint8(uint8(c.OptionType)),
		Uint8(uint8(c.CommitmentType)),
		Uint256(big.NewInt(c.Expiry)),
		Uint256(c.Nonce),
		Bool(c.Fractionable),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("crypto: commitment id: %w", err)
	}
	return id, nil
}
