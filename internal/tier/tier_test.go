package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]Tier{
		{Name: "basic", Capacity: 10, RefillRate: 10.0 / 60},
		{Name: "pro", Capacity: 100, RefillRate: 100.0 / 60},
	})
	require.NoError(t, err)
	return table
}

func TestNewTable_Validation(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NewTable(nil)
		assert.Error(t, err)
	})

	t.Run("zero capacity", func(t *testing.T) {
		_, err := NewTable([]Tier{{Name: "basic", Capacity: 0, RefillRate: 1}})
		assert.ErrorContains(t, err, "capacity")
	})

	t.Run("negative refill rate", func(t *testing.T) {
		_, err := NewTable([]Tier{{Name: "basic", Capacity: 10, RefillRate: -1}})
		assert.ErrorContains(t, err, "refill rate")
	})

	t.Run("refill window too long", func(t *testing.T) {
		_, err := NewTable([]Tier{{Name: "glacial", Capacity: 1e18, RefillRate: 1e-18}})
		assert.ErrorContains(t, err, "exceeds")

		_, err = NewTable([]Tier{{Name: "yearly", Capacity: 365, RefillRate: 1.0 / 86400}})
		assert.NoError(t, err)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := NewTable([]Tier{
			{Name: "basic", Capacity: 10, RefillRate: 1},
			{Name: "basic", Capacity: 20, RefillRate: 1},
		})
		assert.ErrorContains(t, err, "duplicate")
	})
}

func TestTable_Lookup(t *testing.T) {
	table := testTable(t)

	basic, ok := table.Lookup("basic")
	require.True(t, ok)
	assert.Equal(t, 10.0, basic.Capacity)

	_, ok = table.Lookup("enterprise")
	assert.False(t, ok)

	names := []string{}
	for _, tr := range table.Tiers() {
		names = append(names, tr.Name)
	}
	assert.Equal(t, []string{"basic", "pro"}, names)
}

func TestTier_TTLAndRetryAfter(t *testing.T) {
	basic := Tier{Name: "basic", Capacity: 10, RefillRate: 10.0 / 60}
	assert.Equal(t, int64(60), basic.TTLSeconds())

	// 1 token every 4 seconds
	slow := Tier{Name: "slow", Capacity: 5, RefillRate: 0.25}
	assert.Equal(t, int64(4), slow.RetryAfterSeconds(0))
	assert.Equal(t, int64(2), slow.RetryAfterSeconds(0.5))
	assert.Equal(t, int64(0), slow.RetryAfterSeconds(1))
	assert.Equal(t, int64(0), slow.RetryAfterSeconds(3))

	fast := Tier{Name: "fast", Capacity: 1, RefillRate: 1000}
	assert.Equal(t, int64(1), fast.TTLSeconds())

	odd := Tier{Name: "odd", Capacity: 10, RefillRate: 3}
	assert.Equal(t, int64(4), odd.TTLSeconds())

	assert.Equal(t, int64(MaxRefillSeconds), TTLSeconds(1e18, 1e-18))
	assert.Equal(t, int64(MaxRefillSeconds), Tier{Capacity: 1, RefillRate: 1e-300}.RetryAfterSeconds(0))
}

func TestPrefixResolver_Resolve(t *testing.T) {
	table := testTable(t)
	resolver, err := NewPrefixResolver(table, []Rule{
		{Prefix: "sk_pro_", Tier: "pro"},
		{Prefix: "sk_basic_", Tier: "basic"},
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		outcome    Outcome
		tier       string
	}{
		{"absent", "", OutcomeMissing, ""},
		{"blank", "   ", OutcomeMissing, ""},
		{"pro", "sk_pro_abc", OutcomeResolved, "pro"},
		{"basic", "sk_basic_abc", OutcomeResolved, "basic"},
		{"unknown prefix", "sk_unknown_x", OutcomeUnrecognized, ""},
		{"prefix only matches at start", "x_sk_pro_abc", OutcomeUnrecognized, ""},
		{"case sensitive", "SK_PRO_abc", OutcomeUnrecognized, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := resolver.Resolve(tc.credential)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.Equal(t, tc.tier, res.Tier)
			if tc.outcome == OutcomeResolved {
				assert.Equal(t, tc.credential, res.Identity)
			}
		})
	}
}

func TestPrefixResolver_FirstMatchWins(t *testing.T) {
	table := testTable(t)
	resolver, err := NewPrefixResolver(table, []Rule{
		{Prefix: "sk_", Tier: "basic"},
		{Prefix: "sk_pro_", Tier: "pro"},
	})
	require.NoError(t, err)

	assert.Equal(t, "basic", resolver.Resolve("sk_pro_abc").Tier)
}

func TestNewPrefixResolver_Validation(t *testing.T) {
	table := testTable(t)

	_, err := NewPrefixResolver(table, nil)
	assert.Error(t, err)

	_, err = NewPrefixResolver(table, []Rule{{Prefix: "", Tier: "basic"}})
	assert.ErrorContains(t, err, "prefix is required")

	_, err = NewPrefixResolver(table, []Rule{
		{Prefix: "sk_", Tier: "basic"},
		{Prefix: "sk_", Tier: "pro"},
	})
	assert.ErrorContains(t, err, "more than once")

	_, err = NewPrefixResolver(table, []Rule{{Prefix: "sk_", Tier: "enterprise"}})
	assert.ErrorContains(t, err, "unknown tier")
}

func TestTokenResolver_Resolve(t *testing.T) {
	table := testTable(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	resolver, err := NewTokenResolver(table, "secret", func() time.Time { return now })
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, OutcomeMissing, resolver.Resolve("").Outcome)
	})

	t.Run("valid token with subject", func(t *testing.T) {
		token, err := IssueToken("secret", "pro", "user-1", now.Add(time.Hour))
		require.NoError(t, err)

		res := resolver.Resolve(token)
		assert.Equal(t, OutcomeResolved, res.Outcome)
		assert.Equal(t, "pro", res.Tier)
		assert.Equal(t, "sub:user-1", res.Identity)
	})

	t.Run("valid token without subject uses raw token", func(t *testing.T) {
		token, err := IssueToken("secret", "basic", "", time.Time{})
		require.NoError(t, err)

		res := resolver.Resolve(token)
		assert.Equal(t, OutcomeResolved, res.Outcome)
		assert.Equal(t, token, res.Identity)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueToken("other", "pro", "user-1", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnrecognized, resolver.Resolve(token).Outcome)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := IssueToken("secret", "pro", "user-1", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnrecognized, resolver.Resolve(token).Outcome)
	})

	t.Run("unknown tier", func(t *testing.T) {
		token, err := IssueToken("secret", "enterprise", "user-1", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnrecognized, resolver.Resolve(token).Outcome)
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Equal(t, OutcomeUnrecognized, resolver.Resolve("sk_basic_abc").Outcome)
	})
}

func TestNewTokenResolver_RequiresSecret(t *testing.T) {
	_, err := NewTokenResolver(testTable(t), " ", nil)
	assert.Error(t, err)
}
