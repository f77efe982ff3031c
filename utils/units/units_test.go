package units_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-rolling-upgrader/utils/units"
)

func TestBytes(t *testing.T) {
	require.Equal(t, "0MiB", units.Bytes(0))
	require.Equal(t, "512MiB", units.Bytes(512*units.MiB))
	require.Equal(t, "1.0GiB", units.Bytes(units.GiB))
	require.Equal(t, "1.5GiB", units.Bytes(3*units.GiB/2))
	require.Equal(t, "-2.0GiB", units.Bytes(-2*units.GiB))
}
