package ops

import (
	"encoding/json"

	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/session"
)

// decodeReq 解析并校验入站载荷
func (s *Services) decodeReq(payload json.RawMessage, target interface{}, b *engine.BaseOperation) bool {
	if err := engine.DecodePayload(payload, target); err != nil {
		b.SetError(engine.ErrTypeConstraintViolation, err.Error())
		return false
	}
	if s.Validator != nil {
		if err := s.Validator.ValidateStruct(target); err != nil {
			b.SetError(engine.ErrPropertyConstraintViolation, err.Error())
			return false
		}
	}
	return true
}

// changeAvailabilityOp ChangeAvailability处理器
type changeAvailabilityOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.AvailabilityStatus
}

// Action OCPP动作名
func (o *changeAvailabilityOp) Action() string {
	return "ChangeAvailability"
}

// ProcessReq 处理请求载荷
func (o *changeAvailabilityOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.ChangeAvailabilityRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	operative := req.Type == ocpp16.AvailabilityTypeOperative
	o.status = o.svc.Avail.ChangeAvailability(req.ConnectorId, operative)
	return nil
}

// CreateConf 生成响应载荷
func (o *changeAvailabilityOp) CreateConf() (interface{}, error) {
	return &ocpp16.ChangeAvailabilityResponse{Status: o.status}, nil
}

// changeConfigurationOp ChangeConfiguration处理器
type changeConfigurationOp struct {
	engine.BaseOperation
	svc    *Services
	status ocpp16.ConfigurationStatus
}

// Action OCPP动作名
func (o *changeConfigurationOp) Action() string {
	return "ChangeConfiguration"
}

// ProcessReq 处理请求载荷
func (o *changeConfigurationOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.ChangeConfigurationRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	switch o.svc.Cfg.SetFromString(req.Key, req.Value) {
	case configstore.SetOK:
		o.status = ocpp16.ConfigurationStatusAccepted
		if err := o.svc.Cfg.Save(); err != nil {
			o.svc.Log.ErrorWithErr(err, "Failed to save configuration")
		}
	case configstore.SetRebootRequired:
		o.status = ocpp16.ConfigurationStatusRebootRequired
		if err := o.svc.Cfg.Save(); err != nil {
			o.svc.Log.ErrorWithErr(err, "Failed to save configuration")
		}
	case configstore.SetUnknownKey:
		o.status = ocpp16.ConfigurationStatusNotSupported
	default:
		o.status = ocpp16.ConfigurationStatusRejected
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *changeConfigurationOp) CreateConf() (interface{}, error) {
	return &ocpp16.ChangeConfigurationResponse{Status: o.status}, nil
}

// getConfigurationOp GetConfiguration处理器
type getConfigurationOp struct {
	engine.BaseOperation
	svc  *Services
	keys []string
}

// Action OCPP动作名
func (o *getConfigurationOp) Action() string {
	return "GetConfiguration"
}

// ProcessReq 处理请求载荷
func (o *getConfigurationOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.GetConfigurationRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	o.keys = req.Key
	return nil
}

// CreateConf 生成响应载荷
func (o *getConfigurationOp) CreateConf() (interface{}, error) {
	conf := &ocpp16.GetConfigurationResponse{}

	if len(o.keys) == 0 {
		for _, info := range o.svc.Cfg.GetAll() {
			value := info.Value
			conf.ConfigurationKey = append(conf.ConfigurationKey, ocpp16.KeyValue{
				Key:      info.Key,
				Readonly: info.Readonly,
				Value:    &value,
			})
		}
		return conf, nil
	}

	for _, key := range o.keys {
		info, ok := o.svc.Cfg.Get(key)
		if !ok {
			conf.UnknownKey = append(conf.UnknownKey, key)
			continue
		}
		value := info.Value
		conf.ConfigurationKey = append(conf.ConfigurationKey, ocpp16.KeyValue{
			Key:      info.Key,
			Readonly: info.Readonly,
			Value:    &value,
		})
	}
	return conf, nil
}

// clearCacheOp ClearCache处理器
type clearCacheOp struct {
	engine.BaseOperation
	svc *Services
}

// Action OCPP动作名
func (o *clearCacheOp) Action() string {
	return "ClearCache"
}

// ProcessReq 处理请求载荷
func (o *clearCacheOp) ProcessReq(payload json.RawMessage) error {
	o.svc.TxSvc.AuthCache().Clear()
	return nil
}

// CreateConf 生成响应载荷
func (o *clearCacheOp) CreateConf() (interface{}, error) {
	return &ocpp16.ClearCacheResponse{Status: ocpp16.ClearCacheStatusAccepted}, nil
}

// dataTransferOp DataTransfer处理器
type dataTransferOp struct {
	engine.BaseOperation
	svc *Services
}

// Action OCPP动作名
func (o *dataTransferOp) Action() string {
	return "DataTransfer"
}

// ProcessReq 处理请求载荷
func (o *dataTransferOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.DataTransferRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	o.svc.Log.Infof("DataTransfer from vendor %s rejected", req.VendorId)
	return nil
}

// CreateConf 生成响应载荷
func (o *dataTransferOp) CreateConf() (interface{}, error) {
	return &ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}, nil
}

// remoteStartOp RemoteStartTransaction处理器
type remoteStartOp struct {
	engine.BaseOperation
	svc      *Services
	accepted bool
}

// Action OCPP动作名
func (o *remoteStartOp) Action() string {
	return "RemoteStartTransaction"
}

// ProcessReq 处理请求载荷
func (o *remoteStartOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.RemoteStartTransactionRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}

	connector := o.pickConnector(req.ConnectorId)
	if connector == nil {
		return nil
	}

	var tx *session.Transaction
	if o.svc.authorizeRemoteTx.Get() {
		tx = connector.BeginTransaction(req.IdTag)
	} else {
		tx = connector.BeginTransactionAuthorized(req.IdTag)
	}
	if tx == nil {
		return nil
	}
	o.accepted = true

	if req.ChargingProfile != nil {
		if req.ChargingProfile.ChargingProfilePurpose != ocpp16.ChargingProfilePurposeTxProfile {
			o.svc.Log.Warn("RemoteStart charging profile must be TxProfile, ignoring")
		} else if err := o.svc.SC.SetProfile(connector.ID(), req.ChargingProfile); err != nil {
			o.svc.Log.ErrorWithErr(err, "Failed to install RemoteStart TxProfile")
		}
	}
	return nil
}

// pickConnector 选择目标连接器，未指定时取第一个空闲的
func (o *remoteStartOp) pickConnector(connectorID *int) *session.Connector {
	if connectorID != nil {
		c := o.svc.TxSvc.Connector(*connectorID)
		if c == nil || c.ID() == 0 {
			return nil
		}
		return c
	}
	for id := 1; id <= o.svc.TxSvc.ConnectorCount(); id++ {
		c := o.svc.TxSvc.Connector(id)
		if c.GetTransaction() == nil && c.IsOperative() {
			return c
		}
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *remoteStartOp) CreateConf() (interface{}, error) {
	status := ocpp16.RemoteStartStopStatusRejected
	if o.accepted {
		status = ocpp16.RemoteStartStopStatusAccepted
	}
	return &ocpp16.RemoteStartTransactionResponse{Status: status}, nil
}

// remoteStopOp RemoteStopTransaction处理器
type remoteStopOp struct {
	engine.BaseOperation
	svc      *Services
	accepted bool
}

// Action OCPP动作名
func (o *remoteStopOp) Action() string {
	return "RemoteStopTransaction"
}

// ProcessReq 处理请求载荷
func (o *remoteStopOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.RemoteStopTransactionRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	for id := 1; id <= o.svc.TxSvc.ConnectorCount(); id++ {
		c := o.svc.TxSvc.Connector(id)
		tx := c.GetTransaction()
		if tx != nil && tx.TransactionID == req.TransactionId && tx.Active {
			c.EndTransaction(ocpp16.ReasonRemote)
			o.accepted = true
			return nil
		}
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *remoteStopOp) CreateConf() (interface{}, error) {
	status := ocpp16.RemoteStartStopStatusRejected
	if o.accepted {
		status = ocpp16.RemoteStartStopStatusAccepted
	}
	return &ocpp16.RemoteStopTransactionResponse{Status: status}, nil
}

// resetOp Reset处理器
type resetOp struct {
	engine.BaseOperation
	svc      *Services
	accepted bool
}

// Action OCPP动作名
func (o *resetOp) Action() string {
	return "Reset"
}

// ProcessReq 处理请求载荷
func (o *resetOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.ResetRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	if o.svc.ExecuteReset == nil {
		return nil
	}
	o.accepted = true
	o.svc.scheduleReset(req.Type == ocpp16.ResetTypeHard)
	return nil
}

// CreateConf 生成响应载荷
func (o *resetOp) CreateConf() (interface{}, error) {
	status := ocpp16.ResetStatusRejected
	if o.accepted {
		status = ocpp16.ResetStatusAccepted
	}
	return &ocpp16.ResetResponse{Status: status}, nil
}

// unlockConnectorOp UnlockConnector处理器
//
// 响应延迟到轮询挂钩给出结果或超时，超时回答UnlockFailed。
type unlockConnectorOp struct {
	engine.BaseOperation
	svc         *Services
	connectorID int
	supported   bool
	deadlineMs  int64
	result      UnlockResult
	resolved    bool
}

// Action OCPP动作名
func (o *unlockConnectorOp) Action() string {
	return "UnlockConnector"
}

// ProcessReq 处理请求载荷
func (o *unlockConnectorOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp16.UnlockConnectorRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	o.connectorID = req.ConnectorId
	if o.svc.UnlockPoll == nil {
		o.resolved = true
		return nil
	}
	o.supported = true
	o.deadlineMs = o.svc.Clk.NowMs() + UnlockTimeout.Milliseconds()

	if c := o.svc.TxSvc.Connector(req.ConnectorId); c != nil {
		c.EndTransaction(ocpp16.ReasonUnlockCommand)
	}
	return nil
}

// Ready 轮询解锁结果
func (o *unlockConnectorOp) Ready() bool {
	if o.resolved {
		return true
	}
	switch o.svc.UnlockPoll(o.connectorID) {
	case Unlocked:
		o.result = Unlocked
		o.resolved = true
	case UnlockFailed:
		o.result = UnlockFailed
		o.resolved = true
	default:
		if o.svc.Clk.NowMs() >= o.deadlineMs {
			o.result = UnlockFailed
			o.resolved = true
		}
	}
	return o.resolved
}

// CreateConf 生成响应载荷
func (o *unlockConnectorOp) CreateConf() (interface{}, error) {
	if !o.supported {
		return &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusNotSupported}, nil
	}
	status := ocpp16.UnlockStatusUnlockFailed
	if o.result == Unlocked {
		status = ocpp16.UnlockStatusUnlocked
	}
	return &ocpp16.UnlockConnectorResponse{Status: status}, nil
}
