package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/optionmarket/internal/config"
	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// signOutput is what the sign subcommand prints.
type signOutput struct {
	// Hash is the marketplace identity of the commitment.
	Hash       common.Hash       `json:"hash"`
	Digest     common.Hash       `json:"digest"`
	Commitment domain.Commitment `json:"commitment"`
}

// runSign reads an unsigned commitment as JSON, sets the creator to the
// wallet address and signs it under the configured domain.
//
//	optionmarket sign -config config.toml -in offer.json
func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	in := fs.String("in", "-", "commitment JSON file, - for stdin")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("load config", err)
	}

	d, signer, err := loadSigner(cfg)
	if err != nil {
		return fail("load signer", err)
	}

	raw, err := readInput(*in)
	if err != nil {
		return fail("read commitment", err)
	}
	var c domain.Commitment
	if err := json.Unmarshal(raw, &c); err != nil {
		return fail("decode commitment", err)
	}

	signed, err := signer.SignCommitment(c)
	if err != nil {
		return fail("sign", err)
	}
	hash, err := crypto.CommitmentID(signed)
	if err != nil {
		return fail("hash", err)
	}
	digest, err := crypto.CommitmentDigest(d, signed)
	if err != nil {
		return fail("digest", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(signOutput{Hash: hash, Digest: digest, Commitment: signed}); err != nil {
		return fail("encode", err)
	}
	return 0
}

// exerciseOutput is what the sign-exercise subcommand prints.
type exerciseOutput struct {
	OptionID  string         `json:"option_id"`
	Taker     common.Address `json:"taker"`
	Deadline  int64          `json:"deadline"`
	Signature hexutil.Bytes  `json:"signature"`
}

// runSignExercise signs the taker's authorization to exercise one option
// with a settlement deadline some window from now.
//
//	optionmarket sign-exercise -config config.toml -option <id> -window 5m
func runSignExercise(args []string) int {
	fs := flag.NewFlagSet("sign-exercise", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	optionID := fs.String("option", "", "option id")
	window := fs.Duration("window", 5*time.Minute, "settlement deadline from now")
	fs.Parse(args)

	if *optionID == "" {
		return fail("sign exercise", fmt.Errorf("-option is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("load config", err)
	}
	_, signer, err := loadSigner(cfg)
	if err != nil {
		return fail("load signer", err)
	}
	deadline := time.Now().Add(*window).Unix()
	sig, err := signer.SignExercise(*optionID, deadline)
	if err != nil {
		return fail("sign", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exerciseOutput{OptionID: *optionID, Taker: signer.Address(), Deadline: deadline, Signature: sig}); err != nil {
		return fail("encode", err)
	}
	return 0
}

// runEncryptKey seals the configured raw private key into a keystore file
// protected by the configured password.
//
//	OPTIONMARKET_WALLET_PRIVATE_KEY=... OPTIONMARKET_WALLET_KEY_PASSWORD=... optionmarket encrypt-key -out key.json
func runEncryptKey(args []string) int {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	out := fs.String("out", "key.json", "keystore output path")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("load config", err)
	}
	if cfg.Wallet.PrivateKey == "" {
		return fail("encrypt", fmt.Errorf("wallet.private_key is not set"))
	}
	data, err := crypto.EncryptKey(cfg.Wallet.PrivateKey, cfg.Wallet.KeyPassword)
	if err != nil {
		return fail("encrypt", err)
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fail("write keystore", err)
	}
	fmt.Fprintf(os.Stdout, "keystore written to %s\n", *out)
	return 0
}

func loadSigner(cfg *config.Config) (crypto.Domain, *crypto.Signer, error) {
	d, err := crypto.NewDomain(cfg.Signing.Name, cfg.Signing.Version,
		big.NewInt(cfg.Signing.ChainID), common.HexToAddress(cfg.Signing.VerifyingContract))
	if err != nil {
		return crypto.Domain{}, nil, fmt.Errorf("signing domain: %w", err)
	}
	signer, err := crypto.LoadSigner(keySource(cfg), d)
	if err != nil {
		return crypto.Domain{}, nil, fmt.Errorf("load key: %w", err)
	}
	return d, signer, nil
}

func keySource(cfg *config.Config) crypto.KeySource {
	return crypto.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func fail(step string, err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	return 1
}
