package secmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDestroyWipesBuffer(t *testing.T) {
	b := FromBytes([]byte("owner authorization secret"))
	require.Equal(t, 26, b.Len())

	b.Destroy()
	require.Nil(t, b.data)
}

func TestWipeZeroesInPlace(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Wipe(data)
	for _, b := range data {
		require.Equal(t, byte(0), b)
	}
}
