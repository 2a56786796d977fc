package session

import (
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/logger"
)

// ErrorData 错误码输入的读数
type ErrorData struct {
	Code    ocpp16.ChargePointErrorCode
	Info    string
	Faulted bool
}

// ReservationView 连接器视角的当前预约
type ReservationView struct {
	ReservationID int
	IdTag         string
	ParentIdTag   string
}

// Connector 单个连接器的会话状态机
//
// 同一时刻最多一笔交易。状态由输入闭包、交易生命周期与
// 不可用/故障请求者集合推导，变化时发布StatusNotification。
type Connector struct {
	id  int
	svc *Service
	log *logger.Logger

	// 硬件输入闭包，nil表示未接入
	plugged      func() bool
	evReady      func() bool
	evseReady    func() bool
	occupied     func() bool
	startTxReady func() bool
	stopTxReady  func() bool
	errorInputs  []func() *ErrorData

	tx          *Transaction
	beginMonoMs int64

	unavailRequesters map[string]bool
	faultRequesters   map[string]bool
	inoperative       bool

	reservation *ReservationView

	reportedStatus ocpp16.ChargePointStatus
	pendingStatus  ocpp16.ChargePointStatus
	pendingActive  bool
	windowStartMs  int64
}

// newConnector 创建连接器
func newConnector(id int, svc *Service, log *logger.Logger) *Connector {
	return &Connector{
		id:                id,
		svc:               svc,
		log:               log,
		unavailRequesters: make(map[string]bool),
		faultRequesters:   make(map[string]bool),
	}
}

// ID 连接器编号
func (c *Connector) ID() int {
	return c.id
}

// 输入闭包安装

// SetPluggedInput 安装插枪检测输入
func (c *Connector) SetPluggedInput(fn func() bool) { c.plugged = fn }

// SetEvReadyInput 安装车端就绪输入
func (c *Connector) SetEvReadyInput(fn func() bool) { c.evReady = fn }

// SetEvseReadyInput 安装桩端就绪输入
func (c *Connector) SetEvseReadyInput(fn func() bool) { c.evseReady = fn }

// SetOccupiedInput 安装占用检测输入
func (c *Connector) SetOccupiedInput(fn func() bool) { c.occupied = fn }

// SetStartTxReadyInput 安装交易启动放行输入
func (c *Connector) SetStartTxReadyInput(fn func() bool) { c.startTxReady = fn }

// SetStopTxReadyInput 安装交易停止放行输入
func (c *Connector) SetStopTxReadyInput(fn func() bool) { c.stopTxReady = fn }

// AddErrorCodeInput 安装错误码输入
func (c *Connector) AddErrorCodeInput(fn func() *ErrorData) {
	c.errorInputs = append(c.errorInputs, fn)
}

// boolInput 读取闭包，未安装时返回默认值
func (c *Connector) boolInput(fn func() bool, def bool) bool {
	if fn == nil {
		return def
	}
	return fn()
}

// currentError 首个激活的错误码读数
func (c *Connector) currentError() *ErrorData {
	for _, fn := range c.errorInputs {
		if data := fn(); data != nil {
			return data
		}
	}
	return nil
}

// IsFaulted 是否处于故障态
func (c *Connector) IsFaulted() bool {
	if len(c.faultRequesters) > 0 {
		return true
	}
	if data := c.currentError(); data != nil && data.Faulted {
		return true
	}
	return false
}

// SetFaultRequester 设置或清除一个故障请求者
func (c *Connector) SetFaultRequester(name string, active bool) {
	if active {
		c.faultRequesters[name] = true
	} else {
		delete(c.faultRequesters, name)
	}
}

// SetUnavailableRequester 设置或清除一个不可用请求者
func (c *Connector) SetUnavailableRequester(name string, active bool) {
	if active {
		c.unavailRequesters[name] = true
	} else {
		delete(c.unavailRequesters, name)
	}
}

// SetInoperative 设置持久化的停运标志
func (c *Connector) SetInoperative(inoperative bool) {
	c.inoperative = inoperative
}

// IsOperative 是否可运营
func (c *Connector) IsOperative() bool {
	return !c.inoperative && len(c.unavailRequesters) == 0 && !c.IsFaulted()
}

// SetReservation 绑定或清除当前预约
func (c *Connector) SetReservation(view *ReservationView) {
	c.reservation = view
}

// Reservation 当前预约
func (c *Connector) Reservation() *ReservationView {
	return c.reservation
}

// reservedForOther 预约存在且不属于给定idTag
func (c *Connector) reservedForOther(idTag, parentIdTag string) bool {
	if c.reservation == nil {
		return false
	}
	if equalIdTag(c.reservation.IdTag, idTag) {
		return false
	}
	if c.reservation.ParentIdTag != "" && equalIdTag(c.reservation.ParentIdTag, parentIdTag) {
		return false
	}
	return true
}

// GetTransaction 当前交易
func (c *Connector) GetTransaction() *Transaction {
	return c.tx
}

// IsTransactionRunning 是否有进行中的交易
func (c *Connector) IsTransactionRunning() bool {
	return c.tx != nil && (c.tx.Active || c.tx.IsRunning())
}

// OcppPermitsCharge OCPP视角是否允许输出电能
func (c *Connector) OcppPermitsCharge() bool {
	return c.tx != nil && c.tx.Active && c.tx.Authorized && !c.IsFaulted()
}

// Status 当前推导状态
func (c *Connector) Status() ocpp16.ChargePointStatus {
	return c.deriveStatus()
}

// deriveStatus 推导连接器状态
//
// 判定次序：Faulted > Unavailable > Reserved > 占用族 > Available。
func (c *Connector) deriveStatus() ocpp16.ChargePointStatus {
	if c.IsFaulted() {
		return ocpp16.ChargePointStatusFaulted
	}
	if c.inoperative || len(c.unavailRequesters) > 0 {
		return ocpp16.ChargePointStatusUnavailable
	}

	plugged := c.boolInput(c.plugged, false)
	tx := c.tx

	if c.reservation != nil && tx == nil && !plugged && !c.boolInput(c.occupied, false) {
		return ocpp16.ChargePointStatusReserved
	}

	if tx != nil && tx.IsRunning() {
		if !c.boolInput(c.evseReady, true) {
			return ocpp16.ChargePointStatusSuspendedEVSE
		}
		if !c.boolInput(c.evReady, true) {
			return ocpp16.ChargePointStatusSuspendedEV
		}
		return ocpp16.ChargePointStatusCharging
	}

	if tx != nil && tx.Stopped && plugged {
		return ocpp16.ChargePointStatusFinishing
	}

	if (tx != nil && tx.Active) || plugged || c.boolInput(c.occupied, false) {
		return ocpp16.ChargePointStatusPreparing
	}

	return ocpp16.ChargePointStatusAvailable
}

// loop 推进连接器一个周期
func (c *Connector) loop(nowMs int64) {
	if c.id > 0 {
		c.txLoop(nowMs)
	}
	c.statusLoop(nowMs)
}

// txLoop 交易生命周期推进
func (c *Connector) txLoop(nowMs int64) {
	tx := c.tx
	if tx == nil {
		return
	}

	ppc := c.svc.txStartOnPowerPathClosed.Get()

	if tx.Active && !tx.Started {
		// Preparing中等待插枪超时
		timeout := int64(c.svc.connectionTimeOut.Get()) * 1000
		waiting := !c.startPathClosed(ppc)
		if waiting && timeout > 0 && nowMs-c.beginMonoMs > timeout {
			c.log.Infof("Connector %d: connection timeout, aborting transaction", c.id)
			tx.Active = false
			tx.Authorized = false
		}
	}

	if tx.Active && tx.Authorized && !tx.Started &&
		c.startPathClosed(ppc) &&
		c.boolInput(c.startTxReady, true) &&
		!c.IsFaulted() && c.IsOperative() &&
		!c.reservedForOther(tx.IdTag, tx.ParentIdTag) {
		c.startTransaction(tx)
	}

	if tx.Active && tx.Started {
		if ppc {
			if !c.boolInput(c.evReady, true) {
				c.endWithReason(tx, ocpp16.ReasonEVDisconnected)
			}
		} else if !c.boolInput(c.plugged, true) {
			c.endWithReason(tx, ocpp16.ReasonEVDisconnected)
		}
	}

	if !tx.Active {
		if tx.Started && !tx.Stopped && c.boolInput(c.stopTxReady, true) {
			c.stopTransaction(tx)
		}
		if !tx.Started {
			// 从未上报过的交易直接丢弃
			c.svc.discardTransaction(tx)
			c.tx = nil
			return
		}
	}

	if tx.Stopped && !c.boolInput(c.plugged, false) {
		c.tx = nil
	}
}

// startPathClosed 启动前提的通路判定
//
// 未安装的输入按放行处理：没有插枪检测的桩在授权后立即启动。
func (c *Connector) startPathClosed(ppc bool) bool {
	if ppc {
		return c.boolInput(c.evReady, true) && c.boolInput(c.evseReady, true)
	}
	return c.boolInput(c.plugged, true)
}

// endWithReason 以给定原因终结交易
func (c *Connector) endWithReason(tx *Transaction, reason ocpp16.Reason) {
	tx.Active = false
	if tx.StopReason == "" {
		tx.StopReason = string(reason)
	}
}

// startTransaction 记录起点并发出StartTransaction
func (c *Connector) startTransaction(tx *Transaction) {
	tx.StartStamp = c.svc.clk.Stamp()
	if wh, ok := c.svc.energyReading(c.id); ok {
		tx.MeterStart = &wh
	}
	if c.reservation != nil && !c.reservedForOther(tx.IdTag, tx.ParentIdTag) {
		id := c.reservation.ReservationID
		tx.ReservationID = &id
	}
	tx.Started = true
	c.svc.persistTransaction(tx)
	c.log.Infof("Connector %d: transaction %d started", c.id, tx.TxNr)

	if !tx.Silent {
		c.svc.enqueueStartTx(tx)
	}
	c.svc.notifyTxStarted(c.id, tx)
}

// stopTransaction 记录终点并发出StopTransaction
func (c *Connector) stopTransaction(tx *Transaction) {
	tx.StopStamp = c.svc.clk.Stamp()
	if wh, ok := c.svc.energyReading(c.id); ok {
		tx.MeterStop = &wh
	} else if tx.MeterStart != nil {
		v := *tx.MeterStart
		tx.MeterStop = &v
	}
	if tx.StopReason == "" {
		tx.StopReason = string(ocpp16.ReasonLocal)
	}
	tx.Stopped = true
	c.svc.persistTransaction(tx)
	c.log.Infof("Connector %d: transaction %d stopped (%s)", c.id, tx.TxNr, tx.StopReason)

	if tx.Silent {
		c.svc.removeTransactionRecord(tx)
	} else {
		c.svc.enqueueStopTx(tx)
	}
	c.svc.notifyTxStopped(c.id)
}

// statusLoop 状态通知的合并与发布
//
// 墙钟未同步时扣留通知；MinimumStatusDuration窗口内的多次
// 变化合并为最终状态。
func (c *Connector) statusLoop(nowMs int64) {
	if !c.svc.clk.IsValid() {
		return
	}

	derived := c.deriveStatus()
	minDurMs := int64(c.svc.minimumStatusDuration.Get()) * 1000

	if !c.pendingActive {
		if derived == c.reportedStatus {
			return
		}
		c.pendingActive = true
		c.windowStartMs = nowMs
	}
	c.pendingStatus = derived

	if nowMs-c.windowStartMs < minDurMs {
		return
	}

	c.pendingActive = false
	if c.pendingStatus == c.reportedStatus {
		return
	}
	c.reportedStatus = c.pendingStatus
	c.svc.enqueueStatusNotification(c.id, c.pendingStatus, c.currentError())
}

// equalIdTag idTag比较，OCPP 1.6不区分大小写
func equalIdTag(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
