package authcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
)

func accepted() *ocpp16.IdTagInfo {
	return &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}
}

func TestLocalList_FullUpdateAndLookup(t *testing.T) {
	fs := filestore.NewMem()
	list := NewLocalList(fs, nil)
	assert.Zero(t, list.Version())

	err := list.ApplyFull([]ocpp16.AuthorizationData{
		{IdTag: "ABC123", IdTagInfo: accepted()},
		{IdTag: "DEF456", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}},
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, list.Version())

	// 不区分大小写
	info, ok := list.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, info.Status)

	// 持久化往返
	list2 := NewLocalList(fs, nil)
	assert.Equal(t, 3, list2.Version())
	_, ok = list2.Get("DEF456")
	assert.True(t, ok)
}

func TestLocalList_DifferentialUpdate(t *testing.T) {
	list := NewLocalList(filestore.NewMem(), nil)
	require.NoError(t, list.ApplyFull([]ocpp16.AuthorizationData{
		{IdTag: "KEEP", IdTagInfo: accepted()},
		{IdTag: "DROP", IdTagInfo: accepted()},
	}, 1))

	// 版本必须前进
	err := list.ApplyDifferential(nil, 1)
	assert.Error(t, err)

	require.NoError(t, list.ApplyDifferential([]ocpp16.AuthorizationData{
		{IdTag: "DROP"},
		{IdTag: "NEW", IdTagInfo: accepted()},
	}, 2))

	_, ok := list.Get("DROP")
	assert.False(t, ok)
	_, ok = list.Get("NEW")
	assert.True(t, ok)
	assert.Equal(t, 2, list.Version())
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache(2)
	now := time.Now()

	cache.Put("A", *accepted(), now)
	cache.Put("B", *accepted(), now)

	// 触碰A使B成为最久未用
	_, ok := cache.Get("A")
	require.True(t, ok)

	cache.Put("C", *accepted(), now)
	assert.Equal(t, 2, cache.Len())

	_, ok = cache.Get("B")
	assert.False(t, ok)
	_, ok = cache.Get("A")
	assert.True(t, ok)
}

func TestCache_Clear(t *testing.T) {
	cache := NewCache(4)
	cache.Put("A", *accepted(), time.Now())
	cache.Clear()
	assert.Zero(t, cache.Len())
	_, ok := cache.Get("A")
	assert.False(t, ok)
}
