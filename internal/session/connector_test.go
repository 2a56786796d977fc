package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/queue"
)

// offlineConn 始终离线的连接
type offlineConn struct{}

func (offlineConn) Send(string) bool          { return false }
func (offlineConn) Receive(func(text string)) {}
func (offlineConn) IsConnected() bool         { return false }
func (offlineConn) IsOnline() bool            { return false }

// newTestService 组装离线测试服务
func newTestService(t *testing.T) (*Service, *int64) {
	t.Helper()
	mono := new(int64)
	clk := clock.New(func() int64 { return *mono })
	clk.SetBootNr(1)
	fs := filestore.NewMem()
	cfg := configstore.New(fs, nil)
	q := queue.New(fs, 0, nil)
	svc, err := NewService(fs, clk, q, offlineConn{}, cfg, 2, nil)
	require.NoError(t, err)
	return svc, mono
}

func TestEqualIdTag(t *testing.T) {
	assert.True(t, equalIdTag("ABC123", "abc123"))
	assert.True(t, equalIdTag("", ""))
	assert.False(t, equalIdTag("ABC", "ABD"))
	assert.False(t, equalIdTag("ABC", "ABCD"))
}

func TestConnector_DeriveStatus(t *testing.T) {
	svc, _ := newTestService(t)
	c := svc.Connector(1)

	assert.Equal(t, ocpp16.ChargePointStatusAvailable, c.Status())

	plugged := true
	c.SetPluggedInput(func() bool { return plugged })
	assert.Equal(t, ocpp16.ChargePointStatusPreparing, c.Status())

	c.SetUnavailableRequester("test", true)
	assert.Equal(t, ocpp16.ChargePointStatusUnavailable, c.Status())
	c.SetUnavailableRequester("test", false)

	c.AddErrorCodeInput(func() *ErrorData {
		return &ErrorData{Code: ocpp16.ErrorCodeGroundFailure, Faulted: true}
	})
	assert.Equal(t, ocpp16.ChargePointStatusFaulted, c.Status())
}

func TestConnector_ReservedStatus(t *testing.T) {
	svc, _ := newTestService(t)
	c := svc.Connector(1)

	c.SetReservation(&ReservationView{ReservationID: 7, IdTag: "OWNER"})
	assert.Equal(t, ocpp16.ChargePointStatusReserved, c.Status())

	assert.True(t, c.reservedForOther("STRANGER", ""))
	assert.False(t, c.reservedForOther("owner", ""))

	c.SetReservation(&ReservationView{ReservationID: 8, IdTag: "OWNER", ParentIdTag: "GROUP"})
	assert.False(t, c.reservedForOther("STRANGER", "group"))
}

func TestConnector_SilentTransactionWhenJournalFull(t *testing.T) {
	svc, _ := newTestService(t)
	c := svc.Connector(1)

	// 允许静默交易
	svc.silentOfflineTransactions.Set(true)
	svc.localAuthorizeOffline.Set(false)
	svc.allowOfflineTxForUnknownId.Set(true)

	// 填满日志
	for i := 0; i < svc.queue.TxRecordSize(); i++ {
		require.NoError(t, svc.fs.Write(txFileName(1, 100+i), []byte(`{}`)))
	}

	tx := c.BeginTransactionAuthorized("tag-1")
	require.NotNil(t, tx)
	assert.True(t, tx.Silent)
	assert.True(t, tx.Authorized)

	// 静默交易不落盘
	names, _ := svc.fs.List("tx-1-")
	assert.Len(t, names, svc.queue.TxRecordSize())
}

func TestConnector_OfflineAuthorizePolicy(t *testing.T) {
	svc, _ := newTestService(t)
	c := svc.Connector(1)

	// 默认：未知idTag离线拒绝
	assert.Nil(t, c.BeginTransaction("UNKNOWN"))

	// AllowOfflineTxForUnknownId放行
	svc.allowOfflineTxForUnknownId.Set(true)
	tx := c.BeginTransaction("UNKNOWN")
	require.NotNil(t, tx)
	assert.True(t, tx.Authorized)
	c.EndTransaction(ocpp16.ReasonLocal)
	c.loop(0)
	c.loop(0)

	// 本地列表拒绝优先于未知放行
	require.NoError(t, svc.localList.ApplyFull([]ocpp16.AuthorizationData{
		{IdTag: "BLOCKED", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}},
	}, 1))
	assert.Nil(t, c.BeginTransaction("BLOCKED"))
}

func TestConnector_PowerPathClosedMode(t *testing.T) {
	svc, mono := newTestService(t)
	c := svc.Connector(1)
	svc.txStartOnPowerPathClosed.Set(true)
	svc.allowOfflineTxForUnknownId.Set(true)

	evReady := false
	c.SetEvReadyInput(func() bool { return evReady })

	tx := c.BeginTransaction("tag-2")
	require.NotNil(t, tx)

	// evReady为假时不启动
	c.loop(*mono)
	assert.False(t, tx.Started)

	evReady = true
	c.loop(*mono)
	assert.True(t, tx.Started)

	// evReady回落触发停止
	evReady = false
	c.loop(*mono)
	assert.False(t, tx.Active)
	assert.True(t, tx.Stopped)
	assert.Equal(t, string(ocpp16.ReasonEVDisconnected), tx.StopReason)
}

func TestTransaction_Invariants(t *testing.T) {
	tx := &Transaction{ConnectorID: 1, TxNr: 1}
	assert.False(t, tx.IsRunning())

	tx.Started = true
	assert.True(t, tx.IsRunning())

	tx.Stopped = true
	assert.False(t, tx.IsRunning())
}
