package multikeymap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPut(t *testing.T) {
	t.Run("registers a record under all keys", func(t *testing.T) {
		m := New[string, int]()
		m.Put([]string{"a", "b", "c"}, 42)

		assert.Equal(t, 1, m.Len())
	})

	t.Run("panics on empty key set", func(t *testing.T) {
		m := New[string, int]()

		assert.Panics(t, func() {
			m.Put(nil, 1)
		})
	})

	t.Run("panics on a key already in use", func(t *testing.T) {
		m := New[string, int]()
		m.Put([]string{"a"}, 1)

		assert.Panics(t, func() {
			m.Put([]string{"b", "a"}, 2)
		})
	})
}

func TestPop(t *testing.T) {
	t.Run("any key removes the whole record", func(t *testing.T) {
		keys := []string{"k1", "k2", "k3"}

		for _, via := range keys {
			m := New[string, int]()
			m.Put(keys, 7)

			v, ok := m.Pop(via)
			assert.True(t, ok)
			assert.Equal(t, 7, v)

			// every other key of the record is gone too
			for _, other := range keys {
				if other == via {
					continue
				}
				_, ok := m.Pop(other)
				assert.False(t, ok, "key %s should be gone after popping %s", other, via)
			}
			assert.Equal(t, 0, m.Len())
		}
	})

	t.Run("unknown key returns not found and leaves the map unchanged", func(t *testing.T) {
		m := New[string, int]()
		m.Put([]string{"a", "b"}, 1)

		v, ok := m.Pop("never-registered")
		assert.False(t, ok)
		assert.Zero(t, v)
		assert.Equal(t, 1, m.Len())

		got, ok := m.Pop("a")
		assert.True(t, ok)
		assert.Equal(t, 1, got)
	})

	t.Run("put then pop restores the original structure", func(t *testing.T) {
		m := New[string, int]()
		m.Put([]string{"x", "y"}, 1)

		m.Put([]string{"tmp1", "tmp2"}, 99)
		_, ok := m.Pop("tmp2")
		assert.True(t, ok)

		assert.Equal(t, 1, m.Len())
		_, ok = m.Pop("tmp1")
		assert.False(t, ok)

		// the untouched record is still reachable by both keys
		id, ok := m.Pop("x")
		assert.True(t, ok)
		assert.Equal(t, 1, id)
	})

	t.Run("does not confuse records sharing no keys", func(t *testing.T) {
		m := New[string, string]()
		m.Put([]string{"a1", "a2"}, "first")
		m.Put([]string{"b1", "b2"}, "second")

		v, ok := m.Pop("b2")
		assert.True(t, ok)
		assert.Equal(t, "second", v)

		v, ok = m.Pop("a1")
		assert.True(t, ok)
		assert.Equal(t, "first", v)
	})
}
