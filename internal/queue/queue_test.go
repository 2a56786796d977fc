package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
)

// queueOp 测试用操作
type queueOp struct {
	engine.BaseOperation
	action string
}

func (o *queueOp) Action() string { return o.action }

func (o *queueOp) CreateReq() (interface{}, error) {
	return map[string]interface{}{}, nil
}

func newVolatile(action string) *engine.Request {
	return engine.NewRequest(&queueOp{action: action})
}

func newPersistent(action string, connectorID, txNr int) *engine.Request {
	return engine.NewTxRequest(&queueOp{action: action}, connectorID, txNr)
}

func TestQueue_PreBootGating(t *testing.T) {
	q := New(filestore.NewMem(), 0, nil)

	q.Push(newVolatile("StatusNotification"))
	boot := newVolatile("BootNotification")
	q.Push(boot)

	// 预启动期间只放行BootNotification
	got := q.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, "BootNotification", got.Op.Action())
	assert.Nil(t, q.Next(0))

	q.Confirm(got)
	q.SetPreBoot(false)

	got = q.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, "StatusNotification", got.Op.Action())
}

func TestQueue_PersistentBeforeVolatile(t *testing.T) {
	q := New(filestore.NewMem(), 0, nil)
	q.SetPreBoot(false)

	q.Push(newVolatile("Heartbeat"))
	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 1), nil))

	got := q.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, "StartTransaction", got.Op.Action())

	// 持久化队首在途时不放行后续请求，保持严格有序
	assert.Nil(t, q.Next(0))

	q.Confirm(got)
	got = q.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, "Heartbeat", got.Op.Action())
}

func TestQueue_NotBeforeBackoff(t *testing.T) {
	q := New(filestore.NewMem(), 0, nil)
	q.SetPreBoot(false)

	r := newVolatile("Heartbeat")
	q.Push(r)

	got := q.Next(0)
	require.NotNil(t, got)

	got.NotBefore = 5000
	q.Requeue(got)

	assert.Nil(t, q.Next(4999))
	assert.NotNil(t, q.Next(5000))
}

func TestQueue_ConfirmRemovesRecord(t *testing.T) {
	fs := filestore.NewMem()
	q := New(fs, 0, nil)
	q.SetPreBoot(false)

	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 1), nil))
	names, _ := fs.List("op-")
	require.Len(t, names, 1)

	got := q.Next(0)
	require.NotNil(t, got)
	q.Confirm(got)

	names, _ = fs.List("op-")
	assert.Empty(t, names)
}

func TestQueue_RestoreOrdering(t *testing.T) {
	fs := filestore.NewMem()

	q := New(fs, 0, nil)
	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 1), nil))
	require.NoError(t, q.PushPersistent(newPersistent("StopTransaction", 1, 1), nil))
	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 2), nil))

	// 重启后按(connectorId, opNr)恢复
	q2 := New(fs, 0, nil)
	var restored []string
	require.NoError(t, q2.Restore(func(rec PersistRecord) *engine.Request {
		restored = append(restored, rec.Action)
		return engine.NewTxRequest(&queueOp{action: rec.Action}, rec.ConnectorID, rec.TxNr)
	}))
	assert.Equal(t, []string{"StartTransaction", "StopTransaction", "StartTransaction"}, restored)

	q2.SetPreBoot(false)
	got := q2.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.OpNr)

	// 新的入队延续opNr
	require.NoError(t, q2.PushPersistent(newPersistent("StopTransaction", 1, 2), nil))
	assert.Equal(t, 3, q2.per[len(q2.per)-1].rec.OpNr)
}

func TestQueue_RestoreDiscardsCorrupt(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write("op-1-0.jsn", []byte(`{{{`)))

	q := New(fs, 0, nil)
	require.NoError(t, q.Restore(func(rec PersistRecord) *engine.Request {
		t.Fatal("factory must not be called for corrupt records")
		return nil
	}))

	names, _ := fs.List("op-")
	assert.Empty(t, names)
}

func TestQueue_RestoreDropsNilFactoryResult(t *testing.T) {
	fs := filestore.NewMem()

	q := New(fs, 0, nil)
	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 7), nil))

	q2 := New(fs, 0, nil)
	require.NoError(t, q2.Restore(func(rec PersistRecord) *engine.Request {
		return nil
	}))
	q2.SetPreBoot(false)
	assert.Nil(t, q2.Next(0))

	names, _ := fs.List("op-")
	assert.Empty(t, names)
}

func TestQueue_DropTransaction(t *testing.T) {
	fs := filestore.NewMem()
	q := New(fs, 0, nil)
	q.SetPreBoot(false)

	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 1), nil))
	require.NoError(t, q.PushPersistent(newPersistent("StopTransaction", 1, 1), nil))
	require.NoError(t, q.PushPersistent(newPersistent("StartTransaction", 1, 2), nil))

	q.DropTransaction(1, 1)

	got := q.Next(0)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.TxNr)

	names, _ := fs.List("op-")
	assert.Len(t, names, 1)
}

func TestQueue_PersistentPayloadRoundTrip(t *testing.T) {
	fs := filestore.NewMem()
	q := New(fs, 0, nil)

	payload := json.RawMessage(`[{"stamp":{"valid":false},"values":[]}]`)
	require.NoError(t, q.PushPersistent(newPersistent("MeterValues", 2, 3), payload))

	q2 := New(fs, 0, nil)
	var got PersistRecord
	require.NoError(t, q2.Restore(func(rec PersistRecord) *engine.Request {
		got = rec
		return engine.NewTxRequest(&queueOp{action: rec.Action}, rec.ConnectorID, rec.TxNr)
	}))
	assert.Equal(t, "MeterValues", got.Action)
	assert.Equal(t, 2, got.ConnectorID)
	assert.Equal(t, 3, got.TxNr)
	assert.JSONEq(t, string(payload), string(got.Payload))
}
