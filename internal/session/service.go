package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charging-platform/charge-point-client/internal/authcache"
	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
	"github.com/charging-platform/charge-point-client/internal/queue"
)

// Service 交易服务
//
// 持有全部连接器，分配交易号，管理交易记录的持久化与重启
// 恢复，并通过请求队列与CSMS交换Start/StopTransaction。
type Service struct {
	fs    filestore.Store
	clk   *clock.Clock
	queue *queue.Queue
	conn  engine.Connection
	log   *logger.Logger

	localList *authcache.LocalList
	cache     *authcache.Cache

	connectors []*Connector
	nextTxNr   map[int]int

	// 重启恢复期间的簿记
	restoredTx    map[string]*Transaction
	restoredStops map[string]bool

	// 配置句柄
	connectionTimeOut                 *configstore.Config[int]
	minimumStatusDuration             *configstore.Config[int]
	txStartOnPowerPathClosed          *configstore.Config[bool]
	stopTransactionOnInvalidId        *configstore.Config[bool]
	allowOfflineTxForUnknownId        *configstore.Config[bool]
	localAuthorizeOffline             *configstore.Config[bool]
	localPreAuthorize                 *configstore.Config[bool]
	silentOfflineTransactions         *configstore.Config[bool]
	unlockConnectorOnEVSideDisconnect *configstore.Config[bool]
	authorizationCacheEnabled         *configstore.Config[bool]
	offlineMeterValuesBeforeStop      *configstore.Config[bool]

	// 外部挂钩
	energyReadingFn    func(connectorID int) (int, bool)
	stopTxDataFn       func(tx *Transaction) []ocpp16.MeterValue
	meterValuesFactory func(rec queue.PersistRecord) *engine.Request
	txGate             func() bool
	onTxStarted        []func(connectorID int, tx *Transaction)
	onTxStopped        []func(connectorID int)
}

// NewService 创建交易服务
//
// nConnectors为物理连接器数量，另含代表整桩的0号连接器。
func NewService(fs filestore.Store, clk *clock.Clock, q *queue.Queue, conn engine.Connection, cfg *configstore.Store, nConnectors int, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Component("session")

	s := &Service{
		fs:            fs,
		clk:           clk,
		queue:         q,
		conn:          conn,
		log:           log,
		localList:     authcache.NewLocalList(fs, log),
		cache:         authcache.NewCache(16),
		nextTxNr:      make(map[int]int),
		restoredTx:    make(map[string]*Transaction),
		restoredStops: make(map[string]bool),
	}

	var err error
	declare := func(target **configstore.Config[int], key string, def int) {
		if err != nil {
			return
		}
		*target, err = configstore.Declare(cfg, key, def)
	}
	declareBool := func(target **configstore.Config[bool], key string, def bool) {
		if err != nil {
			return
		}
		*target, err = configstore.Declare(cfg, key, def)
	}

	declare(&s.connectionTimeOut, "ConnectionTimeOut", 30)
	declare(&s.minimumStatusDuration, "MinimumStatusDuration", 0)
	declareBool(&s.txStartOnPowerPathClosed, "MO_TxStartOnPowerPathClosed", false)
	declareBool(&s.stopTransactionOnInvalidId, "StopTransactionOnInvalidId", true)
	declareBool(&s.allowOfflineTxForUnknownId, "AllowOfflineTxForUnknownId", false)
	declareBool(&s.localAuthorizeOffline, "LocalAuthorizeOffline", true)
	declareBool(&s.localPreAuthorize, "LocalPreAuthorize", false)
	declareBool(&s.silentOfflineTransactions, "MO_SilentOfflineTransactions", false)
	declareBool(&s.unlockConnectorOnEVSideDisconnect, "UnlockConnectorOnEVSideDisconnect", true)
	declareBool(&s.authorizationCacheEnabled, "AuthorizationCacheEnabled", true)
	declareBool(&s.offlineMeterValuesBeforeStop, "MO_OfflineMeterValuesBeforeStop", true)
	if err != nil {
		return nil, err
	}

	for id := 0; id <= nConnectors; id++ {
		s.connectors = append(s.connectors, newConnector(id, s, log))
	}
	return s, nil
}

// Connector 按编号获取连接器
func (s *Service) Connector(id int) *Connector {
	if id < 0 || id >= len(s.connectors) {
		return nil
	}
	return s.connectors[id]
}

// ConnectorCount 物理连接器数量（不含0号）
func (s *Service) ConnectorCount() int {
	return len(s.connectors) - 1
}

// LocalList 本地授权列表
func (s *Service) LocalList() *authcache.LocalList {
	return s.localList
}

// AuthCache 授权缓存
func (s *Service) AuthCache() *authcache.Cache {
	return s.cache
}

// UnlockOnEVSideDisconnect UnlockConnectorOnEVSideDisconnect配置值
func (s *Service) UnlockOnEVSideDisconnect() bool {
	return s.unlockConnectorOnEVSideDisconnect.Get()
}

// OfflineMeterValuesBeforeStop 离线电表值是否先于StopTransaction发送
func (s *Service) OfflineMeterValuesBeforeStop() bool {
	return s.offlineMeterValuesBeforeStop.Get()
}

// SetEnergyReading 安装电表读数挂钩（Wh）
func (s *Service) SetEnergyReading(fn func(connectorID int) (int, bool)) {
	s.energyReadingFn = fn
}

// SetStopTxData 安装StopTransaction附带数据挂钩
func (s *Service) SetStopTxData(fn func(tx *Transaction) []ocpp16.MeterValue) {
	s.stopTxDataFn = fn
}

// SetMeterValuesFactory 安装MeterValues持久化记录的恢复工厂
func (s *Service) SetMeterValuesFactory(fn func(rec queue.PersistRecord) *engine.Request) {
	s.meterValuesFactory = fn
}

// SetTxGate 安装交易准入门控（预启动策略）
func (s *Service) SetTxGate(fn func() bool) {
	s.txGate = fn
}

// OnTxStarted 注册交易启动回调
func (s *Service) OnTxStarted(fn func(connectorID int, tx *Transaction)) {
	s.onTxStarted = append(s.onTxStarted, fn)
}

// OnTxStopped 注册交易停止回调
func (s *Service) OnTxStopped(fn func(connectorID int)) {
	s.onTxStopped = append(s.onTxStopped, fn)
}

// Loop 推进全部连接器
func (s *Service) Loop(nowMs int64) {
	active := 0
	for _, c := range s.connectors {
		c.loop(nowMs)
		if c.tx != nil && c.tx.IsRunning() {
			active++
		}
	}
	metrics.ActiveTransactions.Set(float64(active))
}

// txAllowed 交易准入门控
func (s *Service) txAllowed() bool {
	if s.txGate == nil {
		return true
	}
	return s.txGate()
}

// energyReading 电表读数
func (s *Service) energyReading(connectorID int) (int, bool) {
	if s.energyReadingFn == nil {
		return 0, false
	}
	return s.energyReadingFn(connectorID)
}

// localAuthInfo 本地授权信息：先查本地列表，再查授权缓存
func (s *Service) localAuthInfo(idTag string) (ocpp16.IdTagInfo, bool) {
	if info, ok := s.localList.Get(idTag); ok {
		return info, true
	}
	if s.authorizationCacheEnabled.Get() {
		if info, ok := s.cache.Get(idTag); ok {
			return info, true
		}
	}
	return ocpp16.IdTagInfo{}, false
}

// createTransaction 准入检查并创建交易记录
//
// 连接器的交易记录数达到TxRecordSize时按MO_SilentOfflineTransactions
// 决定拒绝或降级为静默交易。
func (s *Service) createTransaction(connectorID int) *Transaction {
	prefix := "tx-" + itoa(connectorID) + "-"
	names, err := s.fs.List(prefix)
	if err != nil {
		s.log.ErrorWithErr(err, "Failed to enumerate transaction records")
		return nil
	}

	if len(names) >= s.queue.TxRecordSize() {
		if !s.silentOfflineTransactions.Get() {
			s.log.Warnf("Connector %d: transaction journal full, rejecting", connectorID)
			return nil
		}
		s.log.Infof("Connector %d: transaction journal full, creating silent transaction", connectorID)
		return &Transaction{ConnectorID: connectorID, Silent: true}
	}

	txNr := s.allocTxNr(connectorID)
	return &Transaction{ConnectorID: connectorID, TxNr: txNr}
}

// allocTxNr 分配单调递增的交易号
func (s *Service) allocTxNr(connectorID int) int {
	nr := s.nextTxNr[connectorID]
	if nr == 0 {
		nr = 1
	}
	s.nextTxNr[connectorID] = nr + 1
	return nr
}

// persistTransaction 写入交易记录，静默交易不落盘
//
// 无法持久化的交易降级为静默。
func (s *Service) persistTransaction(tx *Transaction) {
	if tx.Silent {
		return
	}
	data, err := json.Marshal(tx)
	if err != nil {
		s.log.ErrorWithErr(err, "Failed to marshal transaction")
		tx.Silent = true
		return
	}
	if err := s.fs.Write(txFileName(tx.ConnectorID, tx.TxNr), data); err != nil {
		s.log.ErrorWithErr(err, "Failed to persist transaction, going silent")
		tx.Silent = true
	}
}

// discardTransaction 丢弃从未上报的交易
func (s *Service) discardTransaction(tx *Transaction) {
	s.removeTransactionRecord(tx)
}

// removeTransactionRecord 删除交易记录文件
func (s *Service) removeTransactionRecord(tx *Transaction) {
	if tx.Silent {
		return
	}
	if err := s.fs.Remove(txFileName(tx.ConnectorID, tx.TxNr)); err != nil {
		s.log.Debugf("No transaction record to remove: %d-%d", tx.ConnectorID, tx.TxNr)
	}
}

// dropTransactionPair 成对丢弃无法重建时间戳的Start/Stop
func (s *Service) dropTransactionPair(tx *Transaction) {
	s.log.Warnf("Dropping transaction %d-%d: begin timestamp unrecoverable", tx.ConnectorID, tx.TxNr)
	s.queue.DropTransaction(tx.ConnectorID, tx.TxNr)
	s.removeTransactionRecord(tx)
}

// notifyTxStarted 分发交易启动事件
func (s *Service) notifyTxStarted(connectorID int, tx *Transaction) {
	for _, fn := range s.onTxStarted {
		fn(connectorID, tx)
	}
}

// notifyTxStopped 分发交易停止事件
func (s *Service) notifyTxStopped(connectorID int) {
	for _, fn := range s.onTxStopped {
		fn(connectorID)
	}
}

// enqueueStartTx 入队StartTransaction
func (s *Service) enqueueStartTx(tx *Transaction) {
	r := s.newStartTxRequest(tx)
	if err := s.queue.PushPersistent(r, nil); err != nil {
		s.log.ErrorWithErr(err, "Failed to enqueue StartTransaction, going silent")
		tx.Silent = true
	}
}

// enqueueStopTx 入队StopTransaction
func (s *Service) enqueueStopTx(tx *Transaction) {
	r := s.newStopTxRequest(tx)
	if err := s.queue.PushPersistent(r, nil); err != nil {
		s.log.ErrorWithErr(err, "Failed to enqueue StopTransaction")
	}
}

// newStartTxRequest 构造StartTransaction请求
func (s *Service) newStartTxRequest(tx *Transaction) *engine.Request {
	op := &startTxOp{svc: s, tx: tx}
	r := engine.NewTxRequest(op, tx.ConnectorID, tx.TxNr)
	r.OnAbort = func() {
		if op.unrecoverable {
			s.dropTransactionPair(tx)
			return
		}
		// 重试耗尽：保留数据但出队
		tx.Silent = true
	}
	return r
}

// newStopTxRequest 构造StopTransaction请求
func (s *Service) newStopTxRequest(tx *Transaction) *engine.Request {
	op := &stopTxOp{svc: s, tx: tx}
	r := engine.NewTxRequest(op, tx.ConnectorID, tx.TxNr)
	r.OnAbort = func() {
		if op.unrecoverable {
			s.dropTransactionPair(tx)
		}
	}
	return r
}

// enqueueStatusNotification 入队状态通知
func (s *Service) enqueueStatusNotification(connectorID int, status ocpp16.ChargePointStatus, errData *ErrorData) {
	now, ok := s.clk.Now()
	if !ok {
		return
	}
	op := &statusNotificationOp{
		connectorID: connectorID,
		status:      status,
		timestamp:   now,
		errorCode:   ocpp16.ErrorCodeNoError,
	}
	if errData != nil {
		op.errorCode = errData.Code
		op.info = errData.Info
	}
	s.queue.Push(engine.NewRequest(op))
}

// TriggerStatusNotification 立即发布状态通知，TriggerMessage用
func (s *Service) TriggerStatusNotification(connectorID int) {
	c := s.Connector(connectorID)
	if c == nil {
		return
	}
	s.enqueueStatusNotification(connectorID, c.deriveStatus(), c.currentError())
}

// enqueueAuthorize 入队Authorize
func (s *Service) enqueueAuthorize(c *Connector, tx *Transaction) {
	op := &authorizeOp{svc: s, tx: tx}
	r := engine.NewRequest(op)
	r.MaxAttempts = 1
	fallback := func() { s.offlineAuthorize(tx) }
	r.OnAbort = fallback
	r.OnTimeout = func() {}
	r.OnErr = func(code, description string, details json.RawMessage) bool {
		return false
	}
	s.queue.Push(r)
}

// offlineAuthorize 离线授权回退
func (s *Service) offlineAuthorize(tx *Transaction) {
	if !tx.Active || tx.Authorized {
		return
	}
	if s.localAuthorizeOffline.Get() {
		if info, ok := s.localAuthInfo(tx.IdTag); ok {
			if info.Status == ocpp16.AuthorizationStatusAccepted {
				s.acceptAuthorization(tx, info)
			} else {
				s.rejectAuthorization(tx)
			}
			return
		}
	}
	if s.allowOfflineTxForUnknownId.Get() {
		s.acceptAuthorization(tx, ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted})
		return
	}
	s.rejectAuthorization(tx)
}

// acceptAuthorization 记录授权通过
func (s *Service) acceptAuthorization(tx *Transaction, info ocpp16.IdTagInfo) {
	tx.Authorized = true
	tx.Auth = AuthAccepted
	if info.ParentIdTag != nil {
		tx.ParentIdTag = *info.ParentIdTag
	}
	s.persistTransaction(tx)
	if s.authorizationCacheEnabled.Get() {
		now, _ := s.clk.Now()
		s.cache.Put(tx.IdTag, info, now)
	}
}

// rejectAuthorization 记录授权失败并终结交易
func (s *Service) rejectAuthorization(tx *Transaction) {
	tx.Auth = AuthRejected
	tx.Authorized = false
	tx.Active = false
	if tx.StopReason == "" {
		tx.StopReason = string(ocpp16.ReasonDeAuthorized)
	}
}

// Restore 重启后恢复交易与出站队列
//
// 重启视为会话终结：已启动未停止的交易以PowerLoss收尾。
// 从未启动的残留记录直接删除。
func (s *Service) Restore() error {
	names, err := s.fs.List("tx-")
	if err != nil {
		return fmt.Errorf("failed to list transaction records: %w", err)
	}

	for _, name := range names {
		tx := s.loadTxFile(name)
		if tx == nil {
			continue
		}
		if tx.TxNr >= s.nextTxNr[tx.ConnectorID] {
			s.nextTxNr[tx.ConnectorID] = tx.TxNr + 1
		}
	}

	if err := s.queue.Restore(s.restoreRequest); err != nil {
		return err
	}

	for _, tx := range s.restoredTx {
		if !tx.Started {
			s.removeTransactionRecord(tx)
			continue
		}
		if tx.Stopped {
			continue
		}
		tx.Active = false
		tx.Stopped = true
		tx.StopReason = string(ocpp16.ReasonPowerLoss)
		tx.StopStamp = s.clk.Stamp()
		if tx.MeterStop == nil && tx.MeterStart != nil {
			v := *tx.MeterStart
			tx.MeterStop = &v
		}
		s.persistTransaction(tx)
		if !s.restoredStops[txKey(tx.ConnectorID, tx.TxNr)] {
			s.enqueueStopTx(tx)
		}
	}
	return nil
}

// restoreRequest 队列恢复工厂
func (s *Service) restoreRequest(rec queue.PersistRecord) *engine.Request {
	switch rec.Action {
	case "StartTransaction":
		tx := s.loadTx(rec.ConnectorID, rec.TxNr)
		if tx == nil {
			return nil
		}
		return s.newStartTxRequest(tx)
	case "StopTransaction":
		tx := s.loadTx(rec.ConnectorID, rec.TxNr)
		if tx == nil {
			return nil
		}
		s.restoredStops[txKey(rec.ConnectorID, rec.TxNr)] = true
		return s.newStopTxRequest(tx)
	case "MeterValues":
		if s.meterValuesFactory != nil {
			return s.meterValuesFactory(rec)
		}
		return nil
	default:
		s.log.Warnf("Unknown persistent action %s", rec.Action)
		return nil
	}
}

// loadTx 加载并缓存交易记录
func (s *Service) loadTx(connectorID, txNr int) *Transaction {
	key := txKey(connectorID, txNr)
	if tx, ok := s.restoredTx[key]; ok {
		return tx
	}
	return s.loadTxFile(txFileName(connectorID, txNr))
}

// loadTxFile 从文件加载交易记录，损坏的删除
func (s *Service) loadTxFile(name string) *Transaction {
	if !strings.HasPrefix(name, "tx-") {
		return nil
	}
	data, err := s.fs.Read(name)
	if err != nil {
		return nil
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		s.log.Warnf("Discarding corrupt transaction record %s: %v", name, err)
		s.fs.Remove(name)
		return nil
	}
	key := txKey(tx.ConnectorID, tx.TxNr)
	if cached, ok := s.restoredTx[key]; ok {
		return cached
	}
	s.restoredTx[key] = &tx
	return &tx
}

// resolveStamp 解析交易时间戳
func (s *Service) resolveStamp(ts clock.Timestamp) (time.Time, bool) {
	return s.clk.Resolve(ts)
}

// txKey 交易索引键
func txKey(connectorID, txNr int) string {
	return itoa(connectorID) + "-" + itoa(txNr)
}

// itoa 简化的整数转字符串
func itoa(v int) string {
	return fmt.Sprintf("%d", v)
}
