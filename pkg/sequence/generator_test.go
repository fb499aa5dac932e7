package sequence

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	code, err := Format("CMP", "260101", 1)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^CMP-260101-001[A-Z2-9]{2}$`), code)

	code, err = Format("PAY", "260101", 36*36*36)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^PAY-260101-1000[A-Z2-9]{2}$`), code)
}
