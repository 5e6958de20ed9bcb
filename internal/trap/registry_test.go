package trap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_NewestFirst(t *testing.T) {
	var r Registry[string]
	r.Register("first")
	r.Register("second")
	r.Register("third")

	var got []string
	r.Each(func(v string) { got = append(got, v) })
	require.Equal(t, []string{"third", "second", "first"}, got)
}

func TestRegistry_RemoveTombstones(t *testing.T) {
	var r Registry[int]
	a := r.Register(1)
	r.Register(2)
	r.Remove(a)

	var got []int
	r.Each(func(v int) { got = append(got, v) })
	require.Equal(t, []int{2}, got)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveOutOfRangeIsNoop(t *testing.T) {
	var r Registry[int]
	r.Register(1)
	r.Remove(Handle(99))
	require.Equal(t, 1, r.Len())
}
