package ops

import (
	"encoding/json"
	"time"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/smartcharging"
)

// timeOf 可选DateTime转*time.Time
func timeOf(dt *ocpp16.DateTime) *time.Time {
	if dt == nil {
		return nil
	}
	t := dt.Time
	return &t
}

// setChargingProfileOp SetChargingProfile处理器
type setChargingProfileOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.ChargingProfileStatus
}

// Action OCPP动作名
func (o *setChargingProfileOp) Action() string {
	return "SetChargingProfile"
}

// ProcessReq 处理请求载荷
func (o *setChargingProfileOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.SetChargingProfileRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}

	profile := req.CsChargingProfiles
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		c := o.svc.TxSvc.Connector(req.ConnectorId)
		if c == nil || c.GetTransaction() == nil || !c.GetTransaction().IsRunning() {
			o.status = ocpp16.ChargingProfileStatusRejected
			return nil
		}
		if profile.TransactionId != nil && c.GetTransaction().TransactionID != *profile.TransactionId {
			o.status = ocpp16.ChargingProfileStatusRejected
			return nil
		}
	}

	if err := o.svc.SC.SetProfile(req.ConnectorId, &profile); err != nil {
		o.svc.Log.Warnf("SetChargingProfile rejected: %v", err)
		o.status = ocpp16.ChargingProfileStatusRejected
		return nil
	}
	o.status = ocpp16.ChargingProfileStatusAccepted
	return nil
}

// CreateConf 生成响应载荷
func (o *setChargingProfileOp) CreateConf() (interface{}, error) {
	return &ocpp16.SetChargingProfileResponse{Status: o.status}, nil
}

// clearChargingProfileOp ClearChargingProfile处理器
type clearChargingProfileOp struct {
	engine.BaseOperation
	svc     *Services
	cleared int
}

// Action OCPP动作名
func (o *clearChargingProfileOp) Action() string {
	return "ClearChargingProfile"
}

// ProcessReq 处理请求载荷
func (o *clearChargingProfileOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.ClearChargingProfileRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	filter := smartcharging.ClearFilter{
		ID:          req.Id,
		ConnectorID: req.ConnectorId,
		StackLevel:  req.StackLevel,
		Purpose:     req.ChargingProfilePurpose,
	}
	o.cleared = o.svc.SC.ClearProfiles(filter)
	return nil
}

// CreateConf 生成响应载荷
func (o *clearChargingProfileOp) CreateConf() (interface{}, error) {
	status := ocpp16.ClearChargingProfileStatusUnknown
	if o.cleared > 0 {
		status = ocpp16.ClearChargingProfileStatusAccepted
	}
	return &ocpp16.ClearChargingProfileResponse{Status: status}, nil
}

// getCompositeScheduleOp GetCompositeSchedule处理器
type getCompositeScheduleOp struct {
	engine.BaseOperation
	svc         *Services
	connectorID int
	schedule    *ocpp16.ChargingSchedule
}

// Action OCPP动作名
func (o *getCompositeScheduleOp) Action() string {
	return "GetCompositeSchedule"
}

// ProcessReq 处理请求载荷
func (o *getCompositeScheduleOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.GetCompositeScheduleRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	unit := ocpp16.ChargingRateUnitW
	if req.ChargingRateUnit != nil {
		unit = *req.ChargingRateUnit
	}
	o.connectorID = req.ConnectorId
	o.schedule = o.svc.SC.CompositeSchedule(req.ConnectorId, req.Duration, unit)
	return nil
}

// CreateConf 生成响应载荷
func (o *getCompositeScheduleOp) CreateConf() (interface{}, error) {
	if o.schedule == nil {
		return &ocpp16.GetCompositeScheduleResponse{Status: ocpp16.GetCompositeScheduleStatusRejected}, nil
	}
	return &ocpp16.GetCompositeScheduleResponse{
		Status:           ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &o.connectorID,
		ScheduleStart:    o.schedule.StartSchedule,
		ChargingSchedule: o.schedule,
	}, nil
}

// triggerMessageOp TriggerMessage处理器
type triggerMessageOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.TriggerMessageStatus
}

// Action OCPP动作名
func (o *triggerMessageOp) Action() string {
	return "TriggerMessage"
}

// ProcessReq 处理请求载荷
func (o *triggerMessageOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.TriggerMessageRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}

	o.status = ocpp16.TriggerMessageStatusAccepted
	switch req.RequestedMessage {
	case ocpp16.MessageTriggerHeartbeat:
		o.svc.Boot.TriggerHeartbeat()
	case ocpp16.MessageTriggerBootNotification:
		o.svc.Boot.TriggerBootNotification()
	case ocpp16.MessageTriggerMeterValues:
		if req.ConnectorId == nil {
			for id := 1; id <= o.svc.TxSvc.ConnectorCount(); id++ {
				o.svc.Meter.TriggerMeterValues(id)
			}
		} else {
			o.svc.Meter.TriggerMeterValues(*req.ConnectorId)
		}
	case ocpp16.MessageTriggerStatusNotification:
		if req.ConnectorId == nil {
			for id := 0; id <= o.svc.TxSvc.ConnectorCount(); id++ {
				o.svc.TxSvc.TriggerStatusNotification(id)
			}
		} else {
			o.svc.TxSvc.TriggerStatusNotification(*req.ConnectorId)
		}
	case ocpp16.MessageTriggerFirmwareStatusNotification:
		o.svc.NotifyFirmwareStatus(o.svc.firmwareStatus)
	case ocpp16.MessageTriggerDiagnosticsStatusNotification:
		o.svc.NotifyDiagnosticsStatus(o.svc.diagnosticsStatus)
	default:
		o.status = ocpp16.TriggerMessageStatusNotImplemented
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *triggerMessageOp) CreateConf() (interface{}, error) {
	return &ocpp16.TriggerMessageResponse{Status: o.status}, nil
}

// sendLocalListOp SendLocalList处理器
type sendLocalListOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.UpdateStatus
}

// Action OCPP动作名
func (o *sendLocalListOp) Action() string {
	return "SendLocalList"
}

// ProcessReq 处理请求载荷
func (o *sendLocalListOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.SendLocalListRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}

	list := o.svc.TxSvc.LocalList()
	var err error
	switch req.UpdateType {
	case ocpp16.UpdateTypeFull:
		err = list.ApplyFull(req.LocalAuthorizationList, req.ListVersion)
	case ocpp16.UpdateTypeDifferential:
		if req.ListVersion <= list.Version() {
			o.status = ocpp16.UpdateStatusVersionMismatch
			return nil
		}
		err = list.ApplyDifferential(req.LocalAuthorizationList, req.ListVersion)
	default:
		o.status = ocpp16.UpdateStatusNotSupported
		return nil
	}
	if err != nil {
		o.svc.Log.ErrorWithErr(err, "Local list update failed")
		o.status = ocpp16.UpdateStatusFailed
		return nil
	}
	o.status = ocpp16.UpdateStatusAccepted
	return nil
}

// CreateConf 生成响应载荷
func (o *sendLocalListOp) CreateConf() (interface{}, error) {
	return &ocpp16.SendLocalListResponse{Status: o.status}, nil
}

// getLocalListVersionOp GetLocalListVersion处理器
type getLocalListVersionOp struct {
	engine.BaseOperation
	svc *Services
}

// Action OCPP动作名
func (o *getLocalListVersionOp) Action() string {
	return "GetLocalListVersion"
}

// ProcessReq 处理请求载荷
func (o *getLocalListVersionOp) ProcessReq(payload json.RawMessage) error {
	return nil
}

// CreateConf 生成响应载荷
func (o *getLocalListVersionOp) CreateConf() (interface{}, error) {
	return &ocpp16.GetLocalListVersionResponse{ListVersion: o.svc.TxSvc.LocalList().Version()}, nil
}

// reserveNowOp ReserveNow处理器
type reserveNowOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.ReservationStatus
}

// Action OCPP动作名
func (o *reserveNowOp) Action() string {
	return "ReserveNow"
}

// ProcessReq 处理请求载荷
func (o *reserveNowOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.ReserveNowRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	o.status = o.svc.Resv.Reserve(&req)
	return nil
}

// CreateConf 生成响应载荷
func (o *reserveNowOp) CreateConf() (interface{}, error) {
	return &ocpp16.ReserveNowResponse{Status: o.status}, nil
}

// cancelReservationOp CancelReservation处理器
type cancelReservationOp struct {
	engine.BaseOperation
	svc      *Services
	accepted bool
}

// Action OCPP动作名
func (o *cancelReservationOp) Action() string {
	return "CancelReservation"
}

// ProcessReq 处理请求载荷
func (o *cancelReservationOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.CancelReservationRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	o.accepted = o.svc.Resv.Cancel(req.ReservationId)
	return nil
}

// CreateConf 生成响应载荷
func (o *cancelReservationOp) CreateConf() (interface{}, error) {
	status := ocpp16.CancelReservationStatusRejected
	if o.accepted {
		status = ocpp16.CancelReservationStatusAccepted
	}
	return &ocpp16.CancelReservationResponse{Status: status}, nil
}

// updateFirmwareOp UpdateFirmware处理器
type updateFirmwareOp struct {
	engine.BaseOperation
	svc *Services
}

// Action OCPP动作名
func (o *updateFirmwareOp) Action() string {
	return "UpdateFirmware"
}

// ProcessReq 处理请求载荷
func (o *updateFirmwareOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.UpdateFirmwareRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}

	o.svc.firmwarePending = true
	o.svc.firmwareLocation = req.Location
	o.svc.firmwareDueMs = o.svc.Clk.NowMs()
	if now, ok := o.svc.Clk.Now(); ok && req.RetrieveDate.Time.After(now) {
		o.svc.firmwareDueMs += req.RetrieveDate.Time.Sub(now).Milliseconds()
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *updateFirmwareOp) CreateConf() (interface{}, error) {
	return &ocpp16.UpdateFirmwareResponse{}, nil
}

// getDiagnosticsOp GetDiagnostics处理器
type getDiagnosticsOp struct {
	engine.BaseOperation
	svc      *Services
	fileName string
}

// Action OCPP动作名
func (o *getDiagnosticsOp) Action() string {
	return "GetDiagnostics"
}

// ProcessReq 处理请求载荷
func (o *getDiagnosticsOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.GetDiagnosticsRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	if o.svc.StartDiagnosticsUpload == nil {
		return nil
	}

	fileName, ok := o.svc.StartDiagnosticsUpload(req.Location, timeOf(req.StartTime), timeOf(req.StopTime))
	if ok {
		o.fileName = fileName
		o.svc.NotifyDiagnosticsStatus(ocpp16.DiagnosticsStatusUploading)
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *getDiagnosticsOp) CreateConf() (interface{}, error) {
	conf := &ocpp16.GetDiagnosticsResponse{}
	if o.fileName != "" {
		conf.FileName = &o.fileName
	}
	return conf, nil
}

// installCertificateOp InstallCertificate处理器
type installCertificateOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.CertificateStatus
}

// Action OCPP动作名
func (o *installCertificateOp) Action() string {
	return "InstallCertificate"
}

// ProcessReq 处理请求载荷
func (o *installCertificateOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.InstallCertificateRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	if o.svc.Certs == nil {
		o.SetError(engine.ErrNotSupported, "certificate store not available")
		return nil
	}
	if err := o.svc.Certs.Install(req.CertificateType, req.Certificate); err != nil {
		o.svc.Log.ErrorWithErr(err, "Certificate install failed")
		o.status = ocpp16.CertificateStatusFailed
		return nil
	}
	o.status = ocpp16.CertificateStatusAccepted
	return nil
}

// CreateConf 生成响应载荷
func (o *installCertificateOp) CreateConf() (interface{}, error) {
	return &ocpp16.InstallCertificateResponse{Status: o.status}, nil
}

// deleteCertificateOp DeleteCertificate处理器
type deleteCertificateOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.DeleteCertificateStatus
}

// Action OCPP动作名
func (o *deleteCertificateOp) Action() string {
	return "DeleteCertificate"
}

// ProcessReq 处理请求载荷
func (o *deleteCertificateOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.DeleteCertificateRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	if o.svc.Certs == nil {
		o.SetError(engine.ErrNotSupported, "certificate store not available")
		return nil
	}
	found, err := o.svc.Certs.Delete(req.CertificateHashData)
	if err != nil {
		o.status = ocpp16.DeleteCertificateStatusFailed
		return nil
	}
	if !found {
		o.status = ocpp16.DeleteCertificateStatusNotFound
		return nil
	}
	o.status = ocpp16.DeleteCertificateStatusAccepted
	return nil
}

// CreateConf 生成响应载荷
func (o *deleteCertificateOp) CreateConf() (interface{}, error) {
	return &ocpp16.DeleteCertificateResponse{Status: o.status}, nil
}

// getInstalledCertificateIdsOp GetInstalledCertificateIds处理器
type getInstalledCertificateIdsOp struct {
	engine.BaseOperation
	svc    *Services
	hashes []ocpp16.CertificateHashData
}

// Action OCPP动作名
func (o *getInstalledCertificateIdsOp) Action() string {
	return "GetInstalledCertificateIds"
}

// ProcessReq 处理请求载荷
func (o *getInstalledCertificateIdsOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.GetInstalledCertificateIdsRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	if o.svc.Certs == nil {
		o.SetError(engine.ErrNotSupported, "certificate store not available")
		return nil
	}
	hashes, err := o.svc.Certs.List(req.CertificateType)
	if err != nil {
		o.SetError(engine.ErrInternalError, err.Error())
		return nil
	}
	o.hashes = hashes
	return nil
}

// CreateConf 生成响应载荷
func (o *getInstalledCertificateIdsOp) CreateConf() (interface{}, error) {
	status := ocpp16.GetInstalledCertificateStatusNotFound
	if len(o.hashes) > 0 {
		status = ocpp16.GetInstalledCertificateStatusAccepted
	}
	return &ocpp16.GetInstalledCertificateIdsResponse{
		Status:              status,
		CertificateHashData: o.hashes,
	}, nil
}
