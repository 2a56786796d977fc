package metering

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

// fixture 计量测试环境
type fixture struct {
	svc   *Service
	txSvc *session.Service
	q     *queue.Queue
	mono  *int64
	clk   *clock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mono := new(int64)
	clk := clock.New(func() int64 { return *mono })
	clk.SetBootNr(1)
	clk.SetTime(time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC))

	fs := filestore.NewMem()
	cfg := configstore.New(fs, nil)
	q := queue.New(fs, 0, nil)
	q.SetPreBoot(false)

	txSvc, err := session.NewService(fs, clk, q, idleConn{}, cfg, 1, nil)
	require.NoError(t, err)
	svc, err := NewService(clk, q, txSvc, cfg, 1, nil)
	require.NoError(t, err)

	return &fixture{svc: svc, txSvc: txSvc, q: q, mono: mono, clk: clk}
}

func TestEnergyReadingWiredToSession(t *testing.T) {
	f := newFixture(t)
	f.svc.SetEnergyInput(func(connectorID int) (int, bool) { return 1234, true })

	wh, ok := f.svc.EnergyWh(1)
	require.True(t, ok)
	assert.Equal(t, 1234, wh)
}

func TestPeriodicSampling(t *testing.T) {
	f := newFixture(t)
	energy := 5000
	f.svc.SetEnergyInput(func(int) (int, bool) { return energy, true })

	// 进行中的交易
	c := f.txSvc.Connector(1)
	f.txSvc.Connector(1).SetPluggedInput(func() bool { return true })
	tx := c.BeginTransactionAuthorized("tag-1")
	require.NotNil(t, tx)
	f.txSvc.Loop(*f.mono)
	require.True(t, tx.Started)

	// 默认采样间隔60s
	*f.mono += 61_000
	f.svc.Loop(*f.mono)

	// 采样进入持久化队列
	r := f.q.Next(*f.mono)
	for r != nil && r.Op.Action() != "MeterValues" {
		f.q.Confirm(r)
		r = f.q.Next(*f.mono)
	}
	require.NotNil(t, r, "expected a MeterValues request")

	payload, err := r.Op.CreateReq()
	require.NoError(t, err)
	req := payload.(*ocpp16.MeterValuesRequest)
	assert.Equal(t, 1, req.ConnectorId)
	require.NotEmpty(t, req.MeterValue)
	assert.Equal(t, "5000", req.MeterValue[0].SampledValue[0].Value)
}

func TestNoSamplingWhileIdle(t *testing.T) {
	f := newFixture(t)
	f.svc.SetEnergyInput(func(int) (int, bool) { return 1, true })

	*f.mono += 120_000
	f.svc.Loop(*f.mono)

	assert.Nil(t, f.q.Next(*f.mono))
}

func TestCustomSampler(t *testing.T) {
	f := newFixture(t)
	f.svc.AddSampler(ocpp16.MeasurandPowerActiveImport, ocpp16.UnitOfMeasureW, func(int) float64 { return 7360 })

	values := f.svc.collect(1, ocpp16.ReadingContextTrigger, "Power.Active.Import")
	require.Len(t, values, 1)
	assert.Equal(t, "7360", values[0].Value)
	assert.Equal(t, ocpp16.MeasurandPowerActiveImport, *values[0].Measurand)
}

func TestStopTxDataBuffered(t *testing.T) {
	f := newFixture(t)
	f.svc.SetEnergyInput(func(int) (int, bool) { return 42, true })
	f.svc.stopTxnData.Set("Energy.Active.Import.Register")

	c := f.txSvc.Connector(1)
	tx := c.BeginTransactionAuthorized("tag-1")
	require.NotNil(t, tx)
	f.txSvc.Loop(*f.mono)
	require.True(t, tx.Started)

	*f.mono += 61_000
	f.svc.Loop(*f.mono)

	data := f.svc.stopTxData(tx)
	require.Len(t, data, 1)
	assert.Equal(t, "42", data[0].SampledValue[0].Value)

	// 缓冲在读取后清空
	assert.Empty(t, f.svc.stopTxData(tx))
}

func TestRestoreMeterValuesRecord(t *testing.T) {
	f := newFixture(t)

	stamp := f.clk.Stamp()
	samples := []Sample{{Stamp: stamp, Values: []ocpp16.SampledValue{{Value: "99"}}}}
	op := &meterValuesOp{svc: f.svc, connectorID: 1, samples: samples}
	payload, err := op.CreateReq()
	require.NoError(t, err)
	req := payload.(*ocpp16.MeterValuesRequest)
	require.Len(t, req.MeterValue, 1)
	assert.Equal(t, "99", req.MeterValue[0].SampledValue[0].Value)
}
