package configstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/filestore"
)

func TestDeclare_Defaults(t *testing.T) {
	s := New(filestore.NewMem(), nil)

	interval, err := Declare(s, "HeartbeatInterval", 86400)
	require.NoError(t, err)
	assert.Equal(t, 86400, interval.Get())

	enabled, err := Declare(s, "AuthorizationCacheEnabled", true)
	require.NoError(t, err)
	assert.True(t, enabled.Get())
}

func TestDeclare_Idempotent(t *testing.T) {
	s := New(filestore.NewMem(), nil)

	first, err := Declare(s, "ConnectionTimeOut", 30)
	require.NoError(t, err)
	first.Set(60)

	// 同键同类型的重复声明返回同一条目
	second, err := Declare(s, "ConnectionTimeOut", 30)
	require.NoError(t, err)
	assert.Equal(t, 60, second.Get())

	// 类型不匹配报错
	_, err = Declare(s, "ConnectionTimeOut", "thirty")
	assert.Error(t, err)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	fs := filestore.NewMem()

	s := New(fs, nil)
	b, err := Declare(s, "BoolKey", false)
	require.NoError(t, err)
	i, err := Declare(s, "IntKey", 0)
	require.NoError(t, err)
	f, err := Declare(s, "FloatKey", 0.0)
	require.NoError(t, err)
	str, err := Declare(s, "StringKey", "")
	require.NoError(t, err)

	b.Set(true)
	i.Set(-42)
	f.Set(3.25)
	str.Set("hello world")
	require.NoError(t, s.Save())

	// 重新加载后逐类型位精确还原
	s2 := New(fs, nil)
	b2, err := Declare(s2, "BoolKey", false)
	require.NoError(t, err)
	i2, err := Declare(s2, "IntKey", 0)
	require.NoError(t, err)
	f2, err := Declare(s2, "FloatKey", 0.0)
	require.NoError(t, err)
	str2, err := Declare(s2, "StringKey", "")
	require.NoError(t, err)

	assert.True(t, b2.Get())
	assert.Equal(t, -42, i2.Get())
	assert.Equal(t, 3.25, f2.Get())
	assert.Equal(t, "hello world", str2.Get())
}

func TestStore_RevisionTracking(t *testing.T) {
	s := New(filestore.NewMem(), nil)

	h, err := Declare(s, "MeterValueSampleInterval", 60)
	require.NoError(t, err)
	rev := h.Revision()

	// 同值写入不提升修订号
	h.Set(60)
	assert.Equal(t, rev, h.Revision())

	h.Set(120)
	assert.Equal(t, rev+1, h.Revision())
}

func TestStore_SetFromString(t *testing.T) {
	s := New(filestore.NewMem(), nil)

	_, err := Declare(s, "HeartbeatInterval", 86400)
	require.NoError(t, err)
	_, err = Declare(s, "ReadOnlyKey", "fixed", Readonly())
	require.NoError(t, err)
	_, err = Declare(s, "RebootKey", 1, RebootRequired())
	require.NoError(t, err)

	assert.Equal(t, SetOK, s.SetFromString("HeartbeatInterval", "300"))
	info, ok := s.Get("HeartbeatInterval")
	require.True(t, ok)
	assert.Equal(t, "300", info.Value)

	assert.Equal(t, SetInvalid, s.SetFromString("HeartbeatInterval", "not-a-number"))
	assert.Equal(t, SetUnknownKey, s.SetFromString("NoSuchKey", "1"))
	assert.Equal(t, SetReadonly, s.SetFromString("ReadOnlyKey", "other"))
	assert.Equal(t, SetRebootRequired, s.SetFromString("RebootKey", "2"))
}

func TestStore_CleanUnused(t *testing.T) {
	fs := filestore.NewMem()

	s := New(fs, nil)
	_, err := Declare(s, "KeepMe", 1)
	require.NoError(t, err)
	_, err = Declare(s, "DropMe", 2)
	require.NoError(t, err)
	require.NoError(t, s.Save())

	// 新一次启动只声明了KeepMe
	s2 := New(fs, nil)
	_, err = Declare(s2, "KeepMe", 1)
	require.NoError(t, err)
	s2.CleanUnused()
	require.NoError(t, s2.Save())

	s3 := New(fs, nil)
	_, ok := s3.Get("DropMe")
	assert.False(t, ok)
	_, ok = s3.Get("KeepMe")
	assert.True(t, ok)
}

func TestStore_GetAllSorted(t *testing.T) {
	s := New(filestore.NewMem(), nil)
	_, err := Declare(s, "Zebra", 1)
	require.NoError(t, err)
	_, err = Declare(s, "Alpha", 2)
	require.NoError(t, err)

	infos := s.GetAll()
	require.Len(t, infos, 2)
	assert.Equal(t, "Alpha", infos[0].Key)
	assert.Equal(t, "Zebra", infos[1].Key)
}

func TestStore_CorruptContainerDiscarded(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write(DefaultContainer, []byte(`{{{`)))

	s := New(fs, nil)
	h, err := Declare(s, "HeartbeatInterval", 86400)
	require.NoError(t, err)
	assert.Equal(t, 86400, h.Get())
}
