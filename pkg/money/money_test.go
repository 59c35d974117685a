package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundHalfUp(t *testing.T) {
	require.True(t, d("0.01").Equal(Round(d("0.005"))))
	require.True(t, d("2.35").Equal(Round(d("2.345"))))
	require.True(t, d("2.34").Equal(Round(d("2.3449"))))
}

func TestPercent(t *testing.T) {
	require.True(t, d("15").Equal(Percent(d("150"), d("10"))))
	require.True(t, d("3.33").Equal(Percent(d("33.33"), d("10"))))
}

func TestValidatePositive(t *testing.T) {
	require.NoError(t, ValidatePositive(d("10.25")))
	require.Error(t, ValidatePositive(d("0")))
	require.Error(t, ValidatePositive(d("-1")))
	require.Error(t, ValidatePositive(d("1.001")))
	require.NoError(t, ValidateNonNegative(d("0")))
}
