package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/engine"
)

// errUnrecoverableStamp 时间戳无法重建
var errUnrecoverableStamp = errors.New("transaction timestamp unrecoverable")

// authorizeOp Authorize客户端操作
type authorizeOp struct {
	engine.BaseOperation
	svc *Service
	tx  *Transaction
}

// Action OCPP动作名
func (o *authorizeOp) Action() string {
	return "Authorize"
}

// CreateReq 生成请求载荷
func (o *authorizeOp) CreateReq() (interface{}, error) {
	return &ocpp16.AuthorizeRequest{IdTag: o.tx.IdTag}, nil
}

// ProcessConf 应用授权结果
func (o *authorizeOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.AuthorizeResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		return fmt.Errorf("failed to decode Authorize response: %w", err)
	}
	if conf.IdTagInfo.Status == ocpp16.AuthorizationStatusAccepted {
		o.svc.acceptAuthorization(o.tx, conf.IdTagInfo)
	} else {
		o.svc.rejectAuthorization(o.tx)
	}
	return nil
}

// startTxOp StartTransaction客户端操作
type startTxOp struct {
	engine.BaseOperation
	svc           *Service
	tx            *Transaction
	unrecoverable bool
}

// Action OCPP动作名
func (o *startTxOp) Action() string {
	return "StartTransaction"
}

// CreateReq 由交易记录重建请求载荷
//
// 时间戳在发送时刻解析，时钟同步后可回溯修复；原点丢失的
// 交易连同匹配的StopTransaction成对丢弃。
func (o *startTxOp) CreateReq() (interface{}, error) {
	stamp := o.tx.StartStamp
	if !stamp.Valid && stamp.Mono == 0 {
		stamp = o.tx.BeginStamp
	}
	ts, ok := o.svc.resolveStamp(stamp)
	if !ok {
		o.unrecoverable = true
		return nil, errUnrecoverableStamp
	}

	meterStart := 0
	if o.tx.MeterStart != nil {
		meterStart = *o.tx.MeterStart
	}
	req := &ocpp16.StartTransactionRequest{
		ConnectorId:   o.tx.ConnectorID,
		IdTag:         o.tx.IdTag,
		MeterStart:    meterStart,
		ReservationId: o.tx.ReservationID,
		Timestamp:     ocpp16.NewDateTime(ts),
	}
	return req, nil
}

// ProcessConf 记录CSMS分配的transactionId
func (o *startTxOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.StartTransactionResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		return fmt.Errorf("failed to decode StartTransaction response: %w", err)
	}

	o.tx.TransactionID = conf.TransactionId
	o.svc.persistTransaction(o.tx)

	if conf.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
		if c := o.svc.Connector(o.tx.ConnectorID); c != nil && c.tx == o.tx {
			c.Deauthorize()
		}
	}
	return nil
}

// stopTxOp StopTransaction客户端操作
type stopTxOp struct {
	engine.BaseOperation
	svc           *Service
	tx            *Transaction
	unrecoverable bool
}

// Action OCPP动作名
func (o *stopTxOp) Action() string {
	return "StopTransaction"
}

// CreateReq 由交易记录重建请求载荷
func (o *stopTxOp) CreateReq() (interface{}, error) {
	ts, ok := o.svc.resolveStamp(o.tx.StopStamp)
	if !ok {
		o.unrecoverable = true
		return nil, errUnrecoverableStamp
	}

	meterStop := 0
	if o.tx.MeterStop != nil {
		meterStop = *o.tx.MeterStop
	}
	req := &ocpp16.StopTransactionRequest{
		MeterStop:     meterStop,
		Timestamp:     ocpp16.NewDateTime(ts),
		TransactionId: o.tx.TransactionID,
	}
	if o.tx.IdTag != "" {
		idTag := o.tx.IdTag
		req.IdTag = &idTag
	}
	if o.tx.StopReason != "" {
		reason := ocpp16.Reason(o.tx.StopReason)
		req.Reason = &reason
	}
	if o.svc.stopTxDataFn != nil {
		req.TransactionData = o.svc.stopTxDataFn(o.tx)
	}
	return req, nil
}

// ProcessConf 最终确认后移除交易记录
func (o *stopTxOp) ProcessConf(payload json.RawMessage) error {
	var conf ocpp16.StopTransactionResponse
	if err := engine.DecodePayload(payload, &conf); err != nil {
		return fmt.Errorf("failed to decode StopTransaction response: %w", err)
	}
	o.svc.removeTransactionRecord(o.tx)
	return nil
}

// statusNotificationOp StatusNotification客户端操作
type statusNotificationOp struct {
	engine.BaseOperation
	connectorID int
	status      ocpp16.ChargePointStatus
	errorCode   ocpp16.ChargePointErrorCode
	info        string
	timestamp   time.Time
}

// Action OCPP动作名
func (o *statusNotificationOp) Action() string {
	return "StatusNotification"
}

// CreateReq 生成请求载荷
func (o *statusNotificationOp) CreateReq() (interface{}, error) {
	ts := ocpp16.NewDateTime(o.timestamp)
	req := &ocpp16.StatusNotificationRequest{
		ConnectorId: o.connectorID,
		ErrorCode:   o.errorCode,
		Status:      o.status,
		Timestamp:   &ts,
	}
	if o.info != "" {
		info := o.info
		req.Info = &info
	}
	return req, nil
}
