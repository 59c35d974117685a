package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateFIFO(t *testing.T) {
	buckets := []*PendingCredit{
		{ID: "a", LedgerEventID: "e1", Remaining: dec("10")},
		{ID: "b", LedgerEventID: "e2", Remaining: dec("0")},
		{ID: "c", LedgerEventID: "e3", Remaining: dec("25.50")},
	}

	allocs, short := allocate(buckets, dec("20"))
	require.True(t, short.IsZero())
	require.Len(t, allocs, 2)
	require.Equal(t, "a", allocs[0].PendingCreditID)
	require.True(t, allocs[0].Amount.Equal(dec("10")))
	require.True(t, allocs[0].Remaining.IsZero())
	require.Equal(t, "c", allocs[1].PendingCreditID)
	require.True(t, allocs[1].Amount.Equal(dec("10")))
	require.True(t, allocs[1].Remaining.Equal(dec("15.50")))
}

func TestAllocateShortfall(t *testing.T) {
	buckets := []*PendingCredit{{ID: "a", Remaining: dec("5")}}

	allocs, short := allocate(buckets, dec("8"))
	require.Len(t, allocs, 1)
	require.True(t, short.Equal(dec("3")))
}

func TestEventHashCoversChainLink(t *testing.T) {
	e := &LedgerEvent{ID: "1", VendorID: "v", Sequence: 1, Kind: KindCredit, Amount: dec("10"), PreviousHash: GenesisHash}
	h1 := e.GenerateHash()

	e.PreviousHash = "other"
	require.NotEqual(t, h1, e.GenerateHash())

	e.PreviousHash = GenesisHash
	e.Amount = dec("10.00")
	require.Equal(t, h1, e.GenerateHash())
}
