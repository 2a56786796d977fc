package availability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/queue"
	"github.com/charging-platform/charge-point-client/internal/session"
)

// idleConn 测试用离线连接
type idleConn struct{}

func (idleConn) Send(string) bool          { return false }
func (idleConn) Receive(func(text string)) {}
func (idleConn) IsConnected() bool         { return false }
func (idleConn) IsOnline() bool            { return false }

// newFixture 组装测试环境
func newFixture(t *testing.T, fs filestore.Store) (*session.Service, *configstore.Store, *clock.Clock) {
	t.Helper()
	if fs == nil {
		fs = filestore.NewMem()
	}
	clk := clock.New(func() int64 { return 0 })
	clk.SetBootNr(1)
	cfg := configstore.New(fs, nil)
	q := queue.New(fs, 0, nil)
	txSvc, err := session.NewService(fs, clk, q, idleConn{}, cfg, 2, nil)
	require.NoError(t, err)
	return txSvc, cfg, clk
}

func TestChangeAvailability_Inoperative(t *testing.T) {
	txSvc, cfg, _ := newFixture(t, nil)
	svc, err := NewService(txSvc, cfg, nil)
	require.NoError(t, err)

	status := svc.ChangeAvailability(1, false)
	assert.Equal(t, ocpp16.AvailabilityStatusAccepted, status)
	assert.False(t, svc.IsOperative(1))
	assert.Equal(t, ocpp16.ChargePointStatusUnavailable, txSvc.Connector(1).Status())

	status = svc.ChangeAvailability(1, true)
	assert.Equal(t, ocpp16.AvailabilityStatusAccepted, status)
	assert.True(t, svc.IsOperative(1))
}

func TestChangeAvailability_PersistsAcrossRestart(t *testing.T) {
	fs := filestore.NewMem()
	txSvc, cfg, _ := newFixture(t, fs)
	svc, err := NewService(txSvc, cfg, nil)
	require.NoError(t, err)

	svc.ChangeAvailability(2, false)
	require.NoError(t, cfg.Save())

	// 重启
	txSvc2, cfg2, _ := newFixture(t, fs)
	_, err = NewService(txSvc2, cfg2, nil)
	require.NoError(t, err)
	assert.False(t, txSvc2.Connector(2).IsOperative())
	assert.True(t, txSvc2.Connector(1).IsOperative())
}

func TestChangeAvailability_ScheduledDuringTransaction(t *testing.T) {
	txSvc, cfg, _ := newFixture(t, nil)
	svc, err := NewService(txSvc, cfg, nil)
	require.NoError(t, err)

	c := txSvc.Connector(1)
	tx := c.BeginTransactionAuthorized("tag-1")
	require.NotNil(t, tx)
	c.SetPluggedInput(func() bool { return true })

	status := svc.ChangeAvailability(1, false)
	assert.Equal(t, ocpp16.AvailabilityStatusScheduled, status)
	assert.True(t, svc.IsOperative(1))

	// 交易结束后生效
	c.EndTransaction(ocpp16.ReasonLocal)
	c.GetTransaction().Active = false
	for i := 0; i < 3; i++ {
		txSvc.Loop(0)
		svc.Loop()
	}
	assert.False(t, svc.IsOperative(1))
}

func TestChangeAvailability_ConnectorZeroAppliesToAll(t *testing.T) {
	txSvc, cfg, _ := newFixture(t, nil)
	svc, err := NewService(txSvc, cfg, nil)
	require.NoError(t, err)

	svc.ChangeAvailability(0, false)
	assert.False(t, svc.IsOperative(1))
	assert.False(t, svc.IsOperative(2))
}

func TestReservations_Lifecycle(t *testing.T) {
	fs := filestore.NewMem()
	txSvc, _, clk := newFixture(t, fs)
	clk.SetTime(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC))

	resv := NewReservations(fs, clk, txSvc, nil)

	req := &ocpp16.ReserveNowRequest{
		ConnectorId:   1,
		ReservationId: 42,
		IdTag:         "OWNER",
		ExpiryDate:    ocpp16.NewDateTime(time.Date(2023, 5, 1, 1, 0, 0, 0, time.UTC)),
	}
	assert.Equal(t, ocpp16.ReservationStatusAccepted, resv.Reserve(req))
	assert.Equal(t, ocpp16.ChargePointStatusReserved, txSvc.Connector(1).Status())

	// 其他预约号占用
	req2 := *req
	req2.ReservationId = 43
	assert.Equal(t, ocpp16.ReservationStatusOccupied, resv.Reserve(&req2))

	// 持久化往返
	resv2 := NewReservations(fs, clk, txSvc, nil)
	require.NotNil(t, resv2.Get(1))
	assert.Equal(t, 42, resv2.Get(1).ReservationID)

	// 取消
	assert.True(t, resv2.Cancel(42))
	assert.False(t, resv2.Cancel(42))
	assert.Nil(t, resv2.Get(1))
}

func TestReservations_Expiry(t *testing.T) {
	fs := filestore.NewMem()
	mono := int64(0)
	clk := clock.New(func() int64 { return mono })
	clk.SetBootNr(1)
	clk.SetTime(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC))

	cfg := configstore.New(fs, nil)
	q := queue.New(fs, 0, nil)
	txSvc, err := session.NewService(fs, clk, q, idleConn{}, cfg, 1, nil)
	require.NoError(t, err)

	resv := NewReservations(fs, clk, txSvc, nil)
	req := &ocpp16.ReserveNowRequest{
		ConnectorId:   1,
		ReservationId: 50,
		IdTag:         "OWNER",
		ExpiryDate:    ocpp16.NewDateTime(time.Date(2023, 5, 1, 0, 30, 0, 0, time.UTC)),
	}
	require.Equal(t, ocpp16.ReservationStatusAccepted, resv.Reserve(req))

	mono += time.Hour.Milliseconds()
	resv.Loop()
	assert.Nil(t, resv.Get(1))
}
