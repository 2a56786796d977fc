// Package metering collects sampled meter values, batches MeterValues
// requests and assembles the transactionData attached to StopTransaction.
// Samples taken before the wall clock is valid carry monotonic stamps and
// are repaired when the payload is built.
package metering

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/queue"
	"github.com/charging-platform/charge-point-client/internal/session"
)

// maxTxSamples 每笔交易缓存的停止数据采样上限
const maxTxSamples = 32

// sampler 单个测量值的采样器
type sampler struct {
	measurand ocpp16.Measurand
	unit      ocpp16.UnitOfMeasure
	fn        func(connectorID int) float64
}

// Sample 带可延迟时间戳的一次采样
type Sample struct {
	Stamp  clock.Timestamp       `json:"stamp"`
	Values []ocpp16.SampledValue `json:"values"`
}

// Service 计量服务
type Service struct {
	clk   *clock.Clock
	q     *queue.Queue
	txSvc *session.Service
	log   *logger.Logger

	nConnectors int
	samplers    []sampler
	energyFn    func(connectorID int) (int, bool)

	sampleInterval  *configstore.Config[int]
	alignedInterval *configstore.Config[int]
	sampledData     *configstore.Config[string]
	alignedData     *configstore.Config[string]
	stopTxnData     *configstore.Config[string]

	lastSampleMs   map[int]int64
	lastAlignedSec map[int]int64
	txData         map[string][]Sample
}

// NewService 创建计量服务
func NewService(clk *clock.Clock, q *queue.Queue, txSvc *session.Service, cfg *configstore.Store, nConnectors int, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}

	sampleInterval, err := configstore.Declare(cfg, "MeterValueSampleInterval", 60)
	if err != nil {
		return nil, err
	}
	alignedInterval, err := configstore.Declare(cfg, "ClockAlignedDataInterval", 0)
	if err != nil {
		return nil, err
	}
	sampledData, err := configstore.Declare(cfg, "MeterValuesSampledData", "Energy.Active.Import.Register")
	if err != nil {
		return nil, err
	}
	alignedData, err := configstore.Declare(cfg, "MeterValuesAlignedData", "Energy.Active.Import.Register")
	if err != nil {
		return nil, err
	}
	stopTxnData, err := configstore.Declare(cfg, "StopTxnSampledData", "")
	if err != nil {
		return nil, err
	}

	s := &Service{
		clk:             clk,
		q:               q,
		txSvc:           txSvc,
		log:             log.Component("metering"),
		nConnectors:     nConnectors,
		sampleInterval:  sampleInterval,
		alignedInterval: alignedInterval,
		sampledData:     sampledData,
		alignedData:     alignedData,
		stopTxnData:     stopTxnData,
		lastSampleMs:    make(map[int]int64),
		lastAlignedSec:  make(map[int]int64),
		txData:          make(map[string][]Sample),
	}

	txSvc.SetEnergyReading(s.EnergyWh)
	txSvc.SetStopTxData(s.stopTxData)
	txSvc.SetMeterValuesFactory(s.restoreRequest)
	return s, nil
}

// SetEnergyInput 安装电能表读数输入（Wh）
func (s *Service) SetEnergyInput(fn func(connectorID int) (int, bool)) {
	s.energyFn = fn
}

// AddSampler 注册一个测量值采样器
func (s *Service) AddSampler(measurand ocpp16.Measurand, unit ocpp16.UnitOfMeasure, fn func(connectorID int) float64) {
	s.samplers = append(s.samplers, sampler{measurand: measurand, unit: unit, fn: fn})
}

// EnergyWh 当前电能读数
func (s *Service) EnergyWh(connectorID int) (int, bool) {
	if s.energyFn == nil {
		return 0, false
	}
	return s.energyFn(connectorID)
}

// Loop 按配置间隔采样
func (s *Service) Loop(nowMs int64) {
	for c := 1; c <= s.nConnectors; c++ {
		tx := s.currentTx(c)
		charging := tx != nil && tx.IsRunning()

		if charging {
			interval := int64(s.sampleInterval.Get()) * 1000
			if interval > 0 && nowMs-s.lastSampleMs[c] >= interval {
				s.lastSampleMs[c] = nowMs
				s.takeSample(c, tx, ocpp16.ReadingContextSamplePeriodic, s.sampledData.Get())
				s.bufferStopSample(c, tx)
			}
		} else {
			s.lastSampleMs[c] = nowMs
		}

		s.alignedLoop(c, tx)
	}
}

// alignedLoop 墙钟对齐采样
func (s *Service) alignedLoop(connectorID int, tx *session.Transaction) {
	interval := int64(s.alignedInterval.Get())
	if interval <= 0 {
		return
	}
	now, ok := s.clk.Now()
	if !ok {
		return
	}
	slot := now.Unix() / interval
	if s.lastAlignedSec[connectorID] == slot {
		return
	}
	if s.lastAlignedSec[connectorID] != 0 {
		s.takeSample(connectorID, tx, ocpp16.ReadingContextSampleClock, s.alignedData.Get())
	}
	s.lastAlignedSec[connectorID] = slot
}

// currentTx 连接器当前交易
func (s *Service) currentTx(connectorID int) *session.Transaction {
	c := s.txSvc.Connector(connectorID)
	if c == nil {
		return nil
	}
	return c.GetTransaction()
}

// takeSample 采样并入队一次MeterValues
func (s *Service) takeSample(connectorID int, tx *session.Transaction, context ocpp16.ReadingContext, measurands string) {
	values := s.collect(connectorID, context, measurands)
	if len(values) == 0 {
		return
	}
	sample := Sample{Stamp: s.clk.Stamp(), Values: values}
	s.enqueue(connectorID, tx, []Sample{sample})
}

// bufferStopSample 缓存StopTxnSampledData采样
func (s *Service) bufferStopSample(connectorID int, tx *session.Transaction) {
	list := s.stopTxnData.Get()
	if list == "" || tx == nil || tx.Silent {
		return
	}
	values := s.collect(connectorID, ocpp16.ReadingContextSamplePeriodic, list)
	if len(values) == 0 {
		return
	}
	key := strconv.Itoa(connectorID) + "-" + strconv.Itoa(tx.TxNr)
	buf := s.txData[key]
	if len(buf) >= maxTxSamples {
		return
	}
	s.txData[key] = append(buf, Sample{Stamp: s.clk.Stamp(), Values: values})
}

// collect 按测量值清单读取采样器
func (s *Service) collect(connectorID int, context ocpp16.ReadingContext, measurands string) []ocpp16.SampledValue {
	var values []ocpp16.SampledValue
	for _, name := range strings.Split(measurands, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		measurand := ocpp16.Measurand(name)

		if measurand == ocpp16.MeasurandEnergyActiveImportRegister {
			if wh, ok := s.EnergyWh(connectorID); ok {
				values = append(values, sampledValue(strconv.Itoa(wh), measurand, ocpp16.UnitOfMeasureWh, context))
			}
			continue
		}
		for _, sm := range s.samplers {
			if sm.measurand == measurand {
				v := strconv.FormatFloat(sm.fn(connectorID), 'f', -1, 64)
				values = append(values, sampledValue(v, measurand, sm.unit, context))
			}
		}
	}
	return values
}

// sampledValue 构造单个采样值
func sampledValue(value string, measurand ocpp16.Measurand, unit ocpp16.UnitOfMeasure, context ocpp16.ReadingContext) ocpp16.SampledValue {
	m := measurand
	u := unit
	ctx := context
	return ocpp16.SampledValue{
		Value:     value,
		Measurand: &m,
		Unit:      &u,
		Context:   &ctx,
	}
}

// enqueue 入队MeterValues请求
//
// 交易绑定的采样默认走持久化队列，排在所属交易的Stop之前；
// MO_OfflineMeterValuesBeforeStop为假时改走易失队列，避免
// 离线积压的采样推迟StopTransaction的冲刷。
func (s *Service) enqueue(connectorID int, tx *session.Transaction, samples []Sample) {
	op := &meterValuesOp{svc: s, connectorID: connectorID, tx: tx, samples: samples}
	if tx != nil && !tx.Silent && s.txSvc.OfflineMeterValuesBeforeStop() {
		r := engine.NewTxRequest(op, connectorID, tx.TxNr)
		payload, err := json.Marshal(samples)
		if err != nil {
			s.log.ErrorWithErr(err, "Failed to marshal meter samples")
			return
		}
		if err := s.q.PushPersistent(r, payload); err != nil {
			s.log.Warnf("Persistent queue rejected MeterValues: %v", err)
			s.q.Push(engine.NewRequest(op))
		}
		return
	}
	s.q.Push(engine.NewRequest(op))
}

// stopTxData 交易的停止附带数据
func (s *Service) stopTxData(tx *session.Transaction) []ocpp16.MeterValue {
	key := strconv.Itoa(tx.ConnectorID) + "-" + strconv.Itoa(tx.TxNr)
	samples := s.txData[key]
	delete(s.txData, key)

	var out []ocpp16.MeterValue
	for _, sample := range samples {
		ts, ok := s.clk.Resolve(sample.Stamp)
		if !ok {
			continue
		}
		out = append(out, ocpp16.MeterValue{
			Timestamp:    ocpp16.NewDateTime(ts),
			SampledValue: sample.Values,
		})
	}
	return out
}

// restoreRequest 恢复持久化的MeterValues记录
func (s *Service) restoreRequest(rec queue.PersistRecord) *engine.Request {
	var samples []Sample
	if err := json.Unmarshal(rec.Payload, &samples); err != nil {
		s.log.Warnf("Discarding corrupt meter record %d-%d: %v", rec.ConnectorID, rec.OpNr, err)
		return nil
	}
	op := &meterValuesOp{svc: s, connectorID: rec.ConnectorID, txNr: rec.TxNr, samples: samples}
	return engine.NewTxRequest(op, rec.ConnectorID, rec.TxNr)
}

// TriggerMeterValues 立即采样并发送，TriggerMessage用
func (s *Service) TriggerMeterValues(connectorID int) {
	values := s.collect(connectorID, ocpp16.ReadingContextTrigger, s.sampledData.Get())
	if len(values) == 0 {
		return
	}
	sample := Sample{Stamp: s.clk.Stamp(), Values: values}
	op := &meterValuesOp{svc: s, connectorID: connectorID, samples: []Sample{sample}}
	s.q.Push(engine.NewRequest(op))
}

// meterValuesOp MeterValues客户端操作
type meterValuesOp struct {
	engine.BaseOperation
	svc         *Service
	connectorID int
	tx          *session.Transaction
	txNr        int
	samples     []Sample
}

// Action OCPP动作名
func (o *meterValuesOp) Action() string {
	return "MeterValues"
}

// CreateReq 生成请求载荷，无法重建时间戳的采样被丢弃
func (o *meterValuesOp) CreateReq() (interface{}, error) {
	req := &ocpp16.MeterValuesRequest{ConnectorId: o.connectorID}
	if o.tx != nil && o.tx.TransactionID != 0 {
		id := o.tx.TransactionID
		req.TransactionId = &id
	}
	for _, sample := range o.samples {
		ts, ok := o.svc.clk.Resolve(sample.Stamp)
		if !ok {
			continue
		}
		req.MeterValue = append(req.MeterValue, ocpp16.MeterValue{
			Timestamp:    ocpp16.NewDateTime(ts),
			SampledValue: sample.Values,
		})
	}
	if len(req.MeterValue) == 0 {
		return nil, fmt.Errorf("no recoverable meter samples")
	}
	return req, nil
}
