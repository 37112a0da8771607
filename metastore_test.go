package raft

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaStoreTermAndVote(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)

	require.Equal(t, uint64(0), store.LoadTerm())
	require.Equal(t, "", store.LoadVote())

	require.NoError(t, store.StoreTerm(3))
	require.NoError(t, store.StoreVote("N2"))
	require.NoError(t, store.Close())

	store, err = NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.Equal(t, uint64(3), store.LoadTerm())
	require.Equal(t, "N2", store.LoadVote())
}

func TestMetaStoreClearVote(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)

	require.NoError(t, store.StoreVote("N3"))
	require.NoError(t, store.StoreVote(""))
	require.NoError(t, store.Close())

	store, err = NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.Equal(t, "", store.LoadVote())
}

func TestMetaStoreLayout(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.StoreTerm(7))
	require.NoError(t, store.StoreVote("N1"))

	// The metadata region is a little-endian uint64 term followed by a
	// length-prefixed vote string.
	raw, err := os.ReadFile(filepath.Join(tmpDir, "replica.meta"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 12)
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(raw[0:8]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[8:12]))
	require.Equal(t, "N1", string(raw[12:14]))
}

func TestMetaStoreFreshRecordIsTwelveBytes(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	info, err := os.Stat(filepath.Join(tmpDir, "replica.meta"))
	require.NoError(t, err)
	require.Equal(t, int64(12), info.Size())
}

func TestMetaStoreConfiguration(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)

	require.Nil(t, store.LoadConfiguration())

	configuration := NewConfiguration([]string{"N1", "N2", "N3"}, "N1")
	require.NoError(t, store.StoreConfiguration(configuration))
	require.NoError(t, store.Close())

	store, err = NewMetaStore(tmpDir, "replica", DiskStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	restored := store.LoadConfiguration()
	require.NotNil(t, restored)
	require.Equal(t, configuration.Members, restored.Members)
	require.Equal(t, configuration.Local, restored.Local)

	// The configuration record begins with a presence byte.
	raw, err := os.ReadFile(filepath.Join(tmpDir, "replica.conf"))
	require.NoError(t, err)
	require.Equal(t, byte(1), raw[0])
	require.Equal(t, uint32(len(raw)-5), binary.LittleEndian.Uint32(raw[1:5]))
}

func TestMetaStoreMemoryLevelSkipsConfigurationFile(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewMetaStore(tmpDir, "replica", MemoryStorage)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	configuration := NewConfiguration([]string{"N1"}, "N1")
	require.NoError(t, store.StoreConfiguration(configuration))
	require.NotNil(t, store.LoadConfiguration())

	// Only the metadata region reaches disk at the memory level.
	_, err = os.Stat(filepath.Join(tmpDir, "replica.conf"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(tmpDir, "replica.meta"))
	require.NoError(t, err)
}
