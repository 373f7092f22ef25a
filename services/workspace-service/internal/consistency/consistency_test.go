package consistency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	require.Equal(t, EventualRead, Resolve(Context{}))
	require.Equal(t, StrongRead, Resolve(Context{IsFinancial: true}))
	require.Equal(t, StrongRead, Resolve(Context{IsSecurity: true}))
	require.Equal(t, StrongRead, Resolve(Context{IsIrreversible: true}))
}

func TestStalenessBoundsAreExclusive(t *testing.T) {
	cases := []struct {
		tier  StalenessTier
		bound int64
	}{
		{TierAuthorization, 500},
		{TierScheduling, 800},
		{TierGeneral, 5000},
		{TierTags, 30000},
	}
	for _, tc := range cases {
		require.False(t, IsStale(tc.bound, tc.tier), tc.tier)
		require.True(t, IsStale(tc.bound+1, tc.tier), tc.tier)
		require.Equal(t, time.Duration(tc.bound)*time.Millisecond, MaxAge(tc.tier))
	}
	require.Equal(t, MaxAge(TierGeneral), MaxAge("unknown"))
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("tags")
	require.NoError(t, err)
	require.Equal(t, TierTags, tier)
	_, err = ParseTier("TAGS")
	require.Error(t, err)
}
