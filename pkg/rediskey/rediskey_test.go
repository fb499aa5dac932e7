package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "lease:funding:123", BuildFundingLeaseKey("123"))
	require.Equal(t, "lease:sweep:auto_approval", BuildSweepLeaseKey("auto_approval"))
	require.Equal(t, "seq:CMP:260101", BuildSequenceKey("CMP", "260101"))
}
