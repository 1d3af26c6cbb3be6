package redis

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryMemberRoundTrip(t *testing.T) {
	ms, price, err := decodeMember(encodeMember(1_800_000_000_000, decimal.RequireFromString("3123.45")))
	require.NoError(t, err)
	assert.Equal(t, int64(1_800_000_000_000), ms)
	assert.Equal(t, "3123.45", price.String())
}

func TestDecodeMemberRejectsGarbage(t *testing.T) {
	for _, m := range []string{"", "123", "abc|1", "1|abc"} {
		_, _, err := decodeMember(m)
		assert.Error(t, err, m)
	}
}

func TestKeyNamespacing(t *testing.T) {
	c := NewFromRedis(nil, "")
	assert.Equal(t, "optionmarket:lock:keeper", c.Key("lock", "keeper"))
	c = NewFromRedis(nil, "staging")
	assert.Equal(t, "staging:ratelimit:1.2.3.4", c.Key("ratelimit", "1.2.3.4"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("options*"))
	assert.False(t, hasPattern("options"))
}
