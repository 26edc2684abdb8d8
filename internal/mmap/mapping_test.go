package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnon_RegionAndAdvise(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 4096, m.Size())
	assert.Len(t, m.Bytes(), 4096)

	err = m.Advise(AccessRandom)
	require.NoError(t, err)

	r, err := m.Region(100, 200)
	require.NoError(t, err)
	assert.Len(t, r.Bytes(), 200)

	err = r.Advise(AccessSequential)
	require.NoError(t, err)

	_, err = m.Region(-1, 0)
	assert.Error(t, err)

	_, err = m.Region(0, 5000)
	assert.Error(t, err)

	require.NoError(t, m.Close())

	assert.Nil(t, r.Bytes())
	assert.Error(t, r.Advise(AccessDefault))
}

func TestMapAnon_AfterClose(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	// Idempotent.
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	assert.Error(t, m.Advise(AccessRandom))
	_, err = m.Region(0, 1)
	assert.Error(t, err)
}

func TestMapAnon_InvalidSize(t *testing.T) {
	_, err := MapAnon(0)
	assert.Error(t, err)

	_, err = MapAnon(-1)
	assert.Error(t, err)
}

func TestMapAnon_WriteReadBack(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)
	defer m.Close()

	data := m.Bytes()
	for i := range data {
		data[i] = byte(i)
	}
	for i, b := range m.Bytes() {
		require.Equal(t, byte(i), b)
	}
}
