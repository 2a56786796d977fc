package boot

import (
	"encoding/json"
	"fmt"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
	"github.com/charging-platform/charge-point-client/internal/queue"
)

// 启动服务默认值
const (
	// DefaultBootInterval 默认重试间隔秒数
	DefaultBootInterval = 60
	// LongtimeMs 运行超过该毫秒数视为启动成功
	LongtimeMs = 180000
)

// Identity 充电桩标识，进入BootNotification载荷
type Identity struct {
	ChargePointVendor       string
	ChargePointModel        string
	ChargePointSerialNumber string
	FirmwareVersion         string
}

// Service 启动服务
//
// 在注册被接受前门控全部出站流量（BootNotification除外），
// 按CSMS下发的interval退避重试，并维护启动统计。
type Service struct {
	fs    filestore.Store
	clk   *clock.Clock
	queue *queue.Queue
	log   *logger.Logger

	identity Identity
	stats    BootStats

	status          ocpp16.RegistrationStatus
	intervalS       int
	nextAttemptMs   int64
	pending         bool
	firstLoopMs     int64
	firstLoopSeen   bool
	successRecorded bool

	heartbeatInterval *configstore.Config[int]
	lastHeartbeatMs   int64

	// onActivate 注册被接受后回调一次
	onActivate func()

	preBootTransactions *configstore.Config[bool]
}

// NewService 创建启动服务并执行启动统计与迁移
func NewService(fs filestore.Store, clk *clock.Clock, q *queue.Queue, cfg *configstore.Store, identity Identity, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Component("boot")

	stats, err := LoadBootStats(fs, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(fs, &stats, identity.FirmwareVersion, false, log); err != nil {
		return nil, err
	}
	clk.SetBootNr(stats.BootNr)

	heartbeatInterval, err := configstore.Declare(cfg, "HeartbeatInterval", 86400)
	if err != nil {
		return nil, err
	}
	preBootTransactions, err := configstore.Declare(cfg, "MO_PreBootTransactions", false)
	if err != nil {
		return nil, err
	}

	return &Service{
		fs:                  fs,
		clk:                 clk,
		queue:               q,
		log:                 log,
		identity:            identity,
		stats:               stats,
		status:              ocpp16.RegistrationStatusPending,
		intervalS:           DefaultBootInterval,
		heartbeatInterval:   heartbeatInterval,
		preBootTransactions: preBootTransactions,
	}, nil
}

// SetOnActivate 设置注册接受后的回调
func (s *Service) SetOnActivate(fn func()) {
	s.onActivate = fn
}

// Status 当前注册状态
func (s *Service) Status() ocpp16.RegistrationStatus {
	return s.status
}

// Stats 启动统计快照
func (s *Service) Stats() BootStats {
	return s.stats
}

// PreBootTransactionsEnabled 预启动期间是否允许交易
func (s *Service) PreBootTransactionsEnabled() bool {
	return s.preBootTransactions.Get()
}

// Recover 显式恢复：迁移清理加预约记录
func (s *Service) Recover() error {
	return Migrate(s.fs, &s.stats, s.identity.FirmwareVersion, true, s.log)
}

// Loop 推进启动服务
func (s *Service) Loop() {
	now := s.clk.NowMs()

	if !s.firstLoopSeen {
		s.firstLoopSeen = true
		s.firstLoopMs = now
	}

	// 运行足够长后记录启动成功
	if !s.successRecorded && now-s.firstLoopMs >= LongtimeMs {
		s.successRecorded = true
		s.stats.LastBootSuccess = s.stats.BootNr
		if err := SaveBootStats(s.fs, s.stats); err != nil {
			s.log.ErrorWithErr(err, "Failed to record boot success")
		}
	}

	if s.status != ocpp16.RegistrationStatusAccepted && !s.pending && now >= s.nextAttemptMs {
		s.sendBootNotification()
	}

	s.heartbeatLoop(now)
}

// sendBootNotification 入队一次BootNotification
func (s *Service) sendBootNotification() {
	s.pending = true
	metrics.BootAttempts.Inc()

	op := &bootNotificationOp{svc: s}
	r := engine.NewRequest(op)
	r.OnAbort = func() { s.retryLater() }
	r.OnTimeout = func() {}
	r.OnErr = func(code, description string, details json.RawMessage) bool {
		return false
	}
	s.queue.Push(r)
}

// retryLater 安排下一次尝试
func (s *Service) retryLater() {
	s.pending = false
	s.nextAttemptMs = s.clk.NowMs() + int64(s.intervalS)*1000
}

// handleConf 处理BootNotification响应
func (s *Service) handleConf(conf *ocpp16.BootNotificationResponse) {
	s.pending = false
	if conf.Interval > 0 {
		s.intervalS = conf.Interval
	}
	s.clk.SetTime(conf.CurrentTime.Time)

	switch conf.Status {
	case ocpp16.RegistrationStatusAccepted:
		if s.status != ocpp16.RegistrationStatusAccepted {
			s.log.Info("Registration accepted")
			s.status = ocpp16.RegistrationStatusAccepted
			s.queue.SetPreBoot(false)
			s.lastHeartbeatMs = s.clk.NowMs()
			if s.onActivate != nil {
				s.onActivate()
			}
		}
	default:
		s.log.Warnf("Registration %s, retrying in %ds", conf.Status, s.intervalS)
		s.status = conf.Status
		s.nextAttemptMs = s.clk.NowMs() + int64(s.intervalS)*1000
	}
}

// heartbeatLoop 按HeartbeatInterval发送心跳
func (s *Service) heartbeatLoop(now int64) {
	if s.status != ocpp16.RegistrationStatusAccepted {
		return
	}
	interval := int64(s.heartbeatInterval.Get()) * 1000
	if interval <= 0 || now-s.lastHeartbeatMs < interval {
		return
	}
	s.lastHeartbeatMs = now
	s.TriggerHeartbeat()
}

// TriggerHeartbeat 立即入队一次心跳
func (s *Service) TriggerHeartbeat() {
	s.queue.Push(engine.NewRequest(&heartbeatOp{svc: s}))
}

// TriggerBootNotification 立即入队一次启动通知，TriggerMessage用
func (s *Service) TriggerBootNotification() {
	if !s.pending {
		s.sendBootNotification()
	}
}

// bootNotificationOp BootNotification客户端操作
type bootNotificationOp struct {
	engine.BaseOperation
	svc *Service
}

// Action OCPP动作名
func (o *bootNotificationOp) Action() string {
	return "BootNotification"
}

// CreateReq 生成请求载荷
func (o *bootNotificationOp) CreateReq() (interface{}, error) {
	req := &ocpp16.BootNotificationRequest{
		ChargePointVendor: o.svc.identity.ChargePointVendor,
		ChargePointModel:  o.svc.identity.ChargePointModel,
	}
	if sn := o.svc.identity.ChargePointSerialNumber; sn != "" {
		req.ChargePointSerialNumber = &sn
	}
	if fw := o.svc.identity.FirmwareVersion; fw != "" {
		req.FirmwareVersion = &fw
	}
	return req, nil
}

// ProcessConf 处理响应载荷
func (o *bootNotificationOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.BootNotificationResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		o.svc.retryLater()
		return fmt.Errorf("failed to decode BootNotification response: %w", err)
	}
	o.svc.handleConf(&conf)
	return nil
}

// heartbeatOp Heartbeat客户端操作
type heartbeatOp struct {
	engine.BaseOperation
	svc *Service
}

// Action OCPP动作名
func (o *heartbeatOp) Action() string {
	return "Heartbeat"
}

// CreateReq 生成请求载荷
func (o *heartbeatOp) CreateReq() (interface{}, error) {
	return &ocpp16.HeartbeatRequest{}, nil
}

// ProcessConf 以心跳响应同步墙钟
func (o *heartbeatOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.HeartbeatResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		return fmt.Errorf("failed to decode Heartbeat response: %w", err)
	}
	o.svc.clk.SetTime(conf.CurrentTime.Time)
	return nil
}
