// Package core wires the OCPP client together: clock, file store,
// configuration store, request queue, engine, and the model services. A
// Context is the single explicit dependency threaded through everything;
// tests instantiate a fresh Context per case.
package core

import (
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-client/internal/availability"
	"github.com/charging-platform/charge-point-client/internal/boot"
	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metering"
	"github.com/charging-platform/charge-point-client/internal/ops"
	"github.com/charging-platform/charge-point-client/internal/queue"
	"github.com/charging-platform/charge-point-client/internal/session"
	"github.com/charging-platform/charge-point-client/internal/smartcharging"
	"github.com/charging-platform/charge-point-client/internal/validation"
)

// ProtocolVersion1_6 OCPP 1.6-J子协议名
const ProtocolVersion1_6 = "ocpp1.6"

// ProtocolVersion2_0_1 OCPP 2.0.1子协议名
const ProtocolVersion2_0_1 = "ocpp2.0.1"

// Options Context构造参数
type Options struct {
	// Connection 必填，到CSMS的连接适配器
	Connection engine.Connection
	// FileStore 持久化存储，nil时使用内存存储
	FileStore filestore.Store
	// ClockSource 单调时钟源，nil时使用真实时钟
	ClockSource clock.Source
	// Log 日志器，nil时使用默认
	Log *logger.Logger
	// Identity 充电桩标识
	Identity boot.Identity
	// Connectors 物理连接器数量
	Connectors int
	// ProtocolVersion 协商的子协议，默认ocpp1.6
	ProtocolVersion string
	// EngineConfig 引擎配置，nil时用默认
	EngineConfig *engine.Config

	// 宿主挂钩，见ops.Services
	ExecuteReset           func(isHard bool)
	UnlockPoll             func(connectorID int) ops.UnlockResult
	StartFirmwareDownload  func(location string) bool
	StartDiagnosticsUpload func(location string, start, stop *time.Time) (string, bool)
	Certificates           ops.CertificateStore
}

// Context 组装完成的OCPP客户端
type Context struct {
	log *logger.Logger

	Clock    *clock.Clock
	Files    filestore.Store
	Config   *configstore.Store
	Queue    *queue.Queue
	Registry *engine.Registry
	Engine   *engine.Engine

	Boot     *boot.Service
	TxSvc    *session.Service
	Metering *metering.Service
	SC       *smartcharging.Service
	Avail    *availability.Service
	Resv     *availability.Reservations
	Ops      *ops.Services
}

// New 组装一个新的客户端上下文
func New(opts Options) (*Context, error) {
	if opts.Connection == nil {
		return nil, fmt.Errorf("connection adapter is required")
	}
	if opts.Connectors <= 0 {
		opts.Connectors = 1
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = ProtocolVersion1_6
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	fs := opts.FileStore
	if fs == nil {
		fs = filestore.NewMem()
	}

	clk := clock.New(opts.ClockSource)
	cfgStore := configstore.New(fs, log)
	q := queue.New(fs, queue.DefaultTxRecordSize, log)
	reg := engine.NewRegistry()
	eng := engine.New(opts.Connection, reg, q, clk, opts.EngineConfig, log)

	bootSvc, err := boot.NewService(fs, clk, q, cfgStore, opts.Identity, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init boot service: %w", err)
	}

	txSvc, err := session.NewService(fs, clk, q, opts.Connection, cfgStore, opts.Connectors, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init transaction service: %w", err)
	}
	txSvc.SetTxGate(func() bool {
		return bootSvc.Status() == ocpp16.RegistrationStatusAccepted || bootSvc.PreBootTransactionsEnabled()
	})

	meter, err := metering.NewService(clk, q, txSvc, cfgStore, opts.Connectors, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init metering service: %w", err)
	}

	sc, err := smartcharging.NewService(fs, clk, cfgStore, opts.Connectors, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init smart charging service: %w", err)
	}
	sc.SetTxInfo(func(connectorID int) (*time.Time, int) {
		c := txSvc.Connector(connectorID)
		if c == nil {
			return nil, 0
		}
		tx := c.GetTransaction()
		if tx == nil || !tx.Started {
			return nil, 0
		}
		start, ok := clk.Resolve(tx.StartStamp)
		if !ok {
			return nil, tx.TransactionID
		}
		return &start, tx.TransactionID
	})
	txSvc.OnTxStarted(func(connectorID int, tx *session.Transaction) {
		sc.NotifyTxStart(connectorID)
	})
	txSvc.OnTxStopped(func(connectorID int) {
		sc.NotifyTxStop(connectorID)
	})

	avail, err := availability.NewService(txSvc, cfgStore, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init availability service: %w", err)
	}
	resv := availability.NewReservations(fs, clk, txSvc, log)

	opsSvc := &ops.Services{
		Log:                    log,
		Clk:                    clk,
		Cfg:                    cfgStore,
		Validator:              validation.NewValidator(),
		Queue:                  q,
		TxSvc:                  txSvc,
		Meter:                  meter,
		SC:                     sc,
		Avail:                  avail,
		Resv:                   resv,
		Boot:                   bootSvc,
		ExecuteReset:           opts.ExecuteReset,
		UnlockPoll:             opts.UnlockPoll,
		StartFirmwareDownload:  opts.StartFirmwareDownload,
		StartDiagnosticsUpload: opts.StartDiagnosticsUpload,
		Certs:                  opts.Certificates,
	}
	if err := ops.Register(reg, opsSvc); err != nil {
		return nil, fmt.Errorf("failed to register operation handlers: %w", err)
	}
	if opts.ProtocolVersion == ProtocolVersion2_0_1 {
		ops.RegisterV201(reg, opsSvc)
	}

	// 注册稳定后收尾：清理未声明配置并落盘
	bootSvc.SetOnActivate(func() {
		cfgStore.CleanUnused()
		if err := cfgStore.Save(); err != nil {
			log.ErrorWithErr(err, "Failed to save configuration after boot")
		}
	})

	if err := txSvc.Restore(); err != nil {
		return nil, fmt.Errorf("failed to restore transactions: %w", err)
	}
	if err := cfgStore.Save(); err != nil {
		return nil, fmt.Errorf("failed to save configuration: %w", err)
	}

	return &Context{
		log:      log,
		Clock:    clk,
		Files:    fs,
		Config:   cfgStore,
		Queue:    q,
		Registry: reg,
		Engine:   eng,
		Boot:     bootSvc,
		TxSvc:    txSvc,
		Metering: meter,
		SC:       sc,
		Avail:    avail,
		Resv:     resv,
		Ops:      opsSvc,
	}, nil
}

// Loop 推进整个客户端一个周期，由宿主周期性调用
func (ctx *Context) Loop() {
	now := ctx.Clock.NowMs()
	ctx.Boot.Loop()
	ctx.TxSvc.Loop(now)
	ctx.Metering.Loop(now)
	ctx.SC.Loop()
	ctx.Avail.Loop()
	ctx.Resv.Loop()
	ctx.Ops.Loop(now)
	ctx.Engine.Loop()
}

// Connector 按编号获取连接器
func (ctx *Context) Connector(id int) *session.Connector {
	return ctx.TxSvc.Connector(id)
}

// BeginTransaction 经远程Authorize开始一次会话
func (ctx *Context) BeginTransaction(connectorID int, idTag string) *session.Transaction {
	c := ctx.Connector(connectorID)
	if c == nil {
		return nil
	}
	return c.BeginTransaction(idTag)
}

// BeginTransactionAuthorized 以已授权的idTag开始一次会话
func (ctx *Context) BeginTransactionAuthorized(connectorID int, idTag string) *session.Transaction {
	c := ctx.Connector(connectorID)
	if c == nil {
		return nil
	}
	return c.BeginTransactionAuthorized(idTag)
}

// EndTransaction 结束连接器上的当前会话
func (ctx *Context) EndTransaction(connectorID int, reason ocpp16.Reason) {
	if c := ctx.Connector(connectorID); c != nil {
		c.EndTransaction(reason)
	}
}

// Recover 显式恢复：清理会话文件与预约记录
func (ctx *Context) Recover() error {
	return ctx.Boot.Recover()
}
