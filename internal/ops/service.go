// Package ops registers the handlers for CSMS-initiated operations and hosts
// the thin auxiliary services (reset, unlock polling, firmware update and
// diagnostics upload) that bridge to external collaborators.
package ops

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-client/internal/availability"
	"github.com/charging-platform/charge-point-client/internal/boot"
	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metering"
	"github.com/charging-platform/charge-point-client/internal/queue"
	"github.com/charging-platform/charge-point-client/internal/session"
	"github.com/charging-platform/charge-point-client/internal/smartcharging"
	"github.com/charging-platform/charge-point-client/internal/validation"
)

// UnlockResult 解锁轮询结果
type UnlockResult int

const (
	UnlockPending UnlockResult = iota
	Unlocked
	UnlockFailed
)

// UnlockTimeout 解锁轮询超时
const UnlockTimeout = 30 * time.Second

// CertificateStore 证书存储协作者
//
// 哈希计算在实现侧完成（证书布局cert-<type>-<i>.pem）。
type CertificateStore interface {
	Install(use ocpp16.CertificateUse, pem string) error
	Delete(hash ocpp16.CertificateHashData) (bool, error)
	List(use ocpp16.CertificateUse) ([]ocpp16.CertificateHashData, error)
}

// Services 操作处理器的依赖集合与辅助服务状态
type Services struct {
	Log       *logger.Logger
	Clk       *clock.Clock
	Cfg       *configstore.Store
	Validator *validation.Validator
	Queue     *queue.Queue
	TxSvc     *session.Service
	Meter     *metering.Service
	SC        *smartcharging.Service
	Avail     *availability.Service
	Resv      *availability.Reservations
	Boot      *boot.Service

	// 宿主挂钩
	ExecuteReset func(isHard bool)
	UnlockPoll   func(connectorID int) UnlockResult
	StartFirmwareDownload func(location string) bool
	StartDiagnosticsUpload func(location string, start, stop *time.Time) (string, bool)
	Certs CertificateStore

	authorizeRemoteTx *configstore.Config[bool]
	resetRetries      *configstore.Config[int]

	resetPending bool
	resetHard    bool

	firmwarePending  bool
	firmwareLocation string
	firmwareDueMs    int64
	firmwareStatus   ocpp16.FirmwareStatus

	diagnosticsStatus ocpp16.DiagnosticsStatus
}

// Register 声明配置并把全部处理器注册进引擎
func Register(reg *engine.Registry, s *Services) error {
	if s.Log == nil {
		s.Log = logger.Default()
	}
	s.Log = s.Log.Component("ops")
	s.firmwareStatus = ocpp16.FirmwareStatusIdle
	s.diagnosticsStatus = ocpp16.DiagnosticsStatusIdle

	var err error
	s.authorizeRemoteTx, err = configstore.Declare(s.Cfg, "AuthorizeRemoteTxRequests", false)
	if err != nil {
		return err
	}
	s.resetRetries, err = configstore.Declare(s.Cfg, "ResetRetries", 1)
	if err != nil {
		return err
	}
	if _, err := configstore.Declare(s.Cfg, "SupportedFeatureProfiles",
		"Core,FirmwareManagement,LocalAuthListManagement,Reservation,SmartCharging,RemoteTrigger",
		configstore.Readonly()); err != nil {
		return err
	}

	reg.Register("ChangeAvailability", func() engine.Operation { return &changeAvailabilityOp{svc: s} })
	reg.Register("ChangeConfiguration", func() engine.Operation { return &changeConfigurationOp{svc: s} })
	reg.Register("GetConfiguration", func() engine.Operation { return &getConfigurationOp{svc: s} })
	reg.Register("ClearCache", func() engine.Operation { return &clearCacheOp{svc: s} })
	reg.Register("DataTransfer", func() engine.Operation { return &dataTransferOp{svc: s} })
	reg.Register("RemoteStartTransaction", func() engine.Operation { return &remoteStartOp{svc: s} })
	reg.Register("RemoteStopTransaction", func() engine.Operation { return &remoteStopOp{svc: s} })
	reg.Register("Reset", func() engine.Operation { return &resetOp{svc: s} })
	reg.Register("UnlockConnector", func() engine.Operation { return &unlockConnectorOp{svc: s} })
	reg.Register("SetChargingProfile", func() engine.Operation { return &setChargingProfileOp{svc: s} })
	reg.Register("ClearChargingProfile", func() engine.Operation { return &clearChargingProfileOp{svc: s} })
	reg.Register("GetCompositeSchedule", func() engine.Operation { return &getCompositeScheduleOp{svc: s} })
	reg.Register("TriggerMessage", func() engine.Operation { return &triggerMessageOp{svc: s} })
	reg.Register("SendLocalList", func() engine.Operation { return &sendLocalListOp{svc: s} })
	reg.Register("GetLocalListVersion", func() engine.Operation { return &getLocalListVersionOp{svc: s} })
	reg.Register("ReserveNow", func() engine.Operation { return &reserveNowOp{svc: s} })
	reg.Register("CancelReservation", func() engine.Operation { return &cancelReservationOp{svc: s} })
	reg.Register("UpdateFirmware", func() engine.Operation { return &updateFirmwareOp{svc: s} })
	reg.Register("GetDiagnostics", func() engine.Operation { return &getDiagnosticsOp{svc: s} })
	reg.Register("InstallCertificate", func() engine.Operation { return &installCertificateOp{svc: s} })
	reg.Register("DeleteCertificate", func() engine.Operation { return &deleteCertificateOp{svc: s} })
	reg.Register("GetInstalledCertificateIds", func() engine.Operation { return &getInstalledCertificateIdsOp{svc: s} })
	return nil
}

// Loop 推进辅助服务
func (s *Services) Loop(nowMs int64) {
	s.resetLoop()
	s.firmwareLoop(nowMs)
}

// resetLoop 交易收尾后执行挂起的重置
func (s *Services) resetLoop() {
	if !s.resetPending {
		return
	}
	for id := 1; id <= s.TxSvc.ConnectorCount(); id++ {
		if s.TxSvc.Connector(id).IsTransactionRunning() {
			return
		}
	}
	s.resetPending = false
	s.Log.Infof("Executing %s reset", map[bool]string{true: "hard", false: "soft"}[s.resetHard])
	if s.ExecuteReset != nil {
		s.ExecuteReset(s.resetHard)
	}
}

// scheduleReset 终结交易并挂起重置
func (s *Services) scheduleReset(isHard bool) {
	reason := ocpp16.ReasonSoftReset
	if isHard {
		reason = ocpp16.ReasonHardReset
	}
	for id := 1; id <= s.TxSvc.ConnectorCount(); id++ {
		s.TxSvc.Connector(id).EndTransaction(reason)
	}
	s.resetPending = true
	s.resetHard = isHard
}

// firmwareLoop 到达retrieveDate后启动固件下载
func (s *Services) firmwareLoop(nowMs int64) {
	if !s.firmwarePending || nowMs < s.firmwareDueMs {
		return
	}
	s.firmwarePending = false

	if s.StartFirmwareDownload == nil {
		return
	}
	s.NotifyFirmwareStatus(ocpp16.FirmwareStatusDownloading)
	if s.StartFirmwareDownload(s.firmwareLocation) {
		s.NotifyFirmwareStatus(ocpp16.FirmwareStatusDownloaded)
	} else {
		s.NotifyFirmwareStatus(ocpp16.FirmwareStatusDownloadFailed)
	}
}

// NotifyFirmwareStatus 发布固件状态通知
func (s *Services) NotifyFirmwareStatus(status ocpp16.FirmwareStatus) {
	s.firmwareStatus = status
	s.Queue.Push(engine.NewRequest(&firmwareStatusOp{status: status}))
}

// NotifyDiagnosticsStatus 发布诊断状态通知
func (s *Services) NotifyDiagnosticsStatus(status ocpp16.DiagnosticsStatus) {
	s.diagnosticsStatus = status
	s.Queue.Push(engine.NewRequest(&diagnosticsStatusOp{status: status}))
}

// SendDataTransfer 发送一条厂商自定义数据
func (s *Services) SendDataTransfer(vendorID string, messageID *string, data interface{}, onConf func(status ocpp16.DataTransferStatus)) {
	op := &dataTransferReqOp{vendorID: vendorID, messageID: messageID, data: data, onConf: onConf}
	s.Queue.Push(engine.NewRequest(op))
}

// dataTransferReqOp DataTransfer客户端操作
type dataTransferReqOp struct {
	engine.BaseOperation
	vendorID  string
	messageID *string
	data      interface{}
	onConf    func(status ocpp16.DataTransferStatus)
}

// Action OCPP动作名
func (o *dataTransferReqOp) Action() string {
	return "DataTransfer"
}

// CreateReq 生成请求载荷
func (o *dataTransferReqOp) CreateReq() (interface{}, error) {
	return &ocpp16.DataTransferRequest{
		VendorId:  o.vendorID,
		MessageId: o.messageID,
		Data:      o.data,
	}, nil
}

// ProcessConf 转发响应状态
func (o *dataTransferReqOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.DataTransferResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		return fmt.Errorf("failed to decode DataTransfer response: %w", err)
	}
	if o.onConf != nil {
		o.onConf(conf.Status)
	}
	return nil
}

// firmwareStatusOp FirmwareStatusNotification客户端操作
type firmwareStatusOp struct {
	engine.BaseOperation
	status ocpp16.FirmwareStatus
}

// Action OCPP动作名
func (o *firmwareStatusOp) Action() string {
	return "FirmwareStatusNotification"
}

// CreateReq 生成请求载荷
func (o *firmwareStatusOp) CreateReq() (interface{}, error) {
	return &ocpp16.FirmwareStatusNotificationRequest{Status: o.status}, nil
}

// diagnosticsStatusOp DiagnosticsStatusNotification客户端操作
type diagnosticsStatusOp struct {
	engine.BaseOperation
	status ocpp16.DiagnosticsStatus
}

// Action OCPP动作名
func (o *diagnosticsStatusOp) Action() string {
	return "DiagnosticsStatusNotification"
}

// CreateReq 生成请求载荷
func (o *diagnosticsStatusOp) CreateReq() (interface{}, error) {
	return &ocpp16.DiagnosticsStatusNotificationRequest{Status: o.status}, nil
}
