package commitment

import (
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/store/memory"
)

const (
	lpKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	takerKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var (
	testNow  = time.Unix(1_800_000_000, 0).UTC()
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func clock() time.Time { return testNow }

func testDomain(t testing.TB) crypto.Domain {
	t.Helper()
	d, err := crypto.NewDomain(crypto.DefaultDomainName, crypto.DefaultDomainVersion, big.NewInt(31337), contract)
	require.NoError(t, err)
	return d
}

func baseCommitment() domain.Commitment {
	return domain.Commitment{
		Asset:           weth,
		Amount:          big.NewInt(500_000_000_000_000_000),
		PremiumRate:     big.NewInt(25),
		MinDurationDays: 1,
		MaxDurationDays: 14,
		OptionType:      domain.OptionTypeCall,
		CommitmentType:  domain.CommitmentTypeLPOffer,
		Expiry:          testNow.Add(24 * time.Hour).Unix(),
		Nonce:           big.NewInt(1),
	}
}

func sign(t testing.TB, d crypto.Domain, key string, c domain.Commitment) domain.Commitment {
	t.Helper()
	s, err := crypto.NewSigner(key, d)
	require.NoError(t, err)
	out, err := s.SignCommitment(c)
	require.NoError(t, err)
	return out
}

type fixture struct {
	domain   crypto.Domain
	ledger   *Ledger
	capacity *memory.CapacityStore
}

func newFixture(t testing.TB) fixture {
	t.Helper()
	d := testDomain(t)
	caps := memory.NewCapacityStore()
	l := NewLedger(
		NewValidator(DefaultRules(), d, clock),
		d,
		memory.NewCommitmentStore(),
		caps,
		slog.New(slog.DiscardHandler),
		WithClock(clock),
	)
	return fixture{domain: d, ledger: l, capacity: caps}
}
