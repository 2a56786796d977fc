// Package ocpp201 models the OCPP 2.0.1 payloads the client can speak when
// the ocpp2.0.1 subprotocol is negotiated. Coverage is limited to the
// transaction and variable operations; everything else stays on the 1.6
// dialect.
package ocpp201

import (
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
)

// Action OCPP 2.0.1动作名
type Action string

const (
	ActionTransactionEvent Action = "TransactionEvent"
	ActionGetVariables     Action = "GetVariables"
	ActionSetVariables     Action = "SetVariables"
	ActionNotifyReport     Action = "NotifyReport"
)

// TransactionEventType 交易事件类型
type TransactionEventType string

const (
	TransactionEventTypeStarted TransactionEventType = "Started"
	TransactionEventTypeUpdated TransactionEventType = "Updated"
	TransactionEventTypeEnded   TransactionEventType = "Ended"
)

// TriggerReason 交易事件触发原因
type TriggerReason string

const (
	TriggerReasonAuthorized        TriggerReason = "Authorized"
	TriggerReasonCablePluggedIn    TriggerReason = "CablePluggedIn"
	TriggerReasonChargingStateChanged TriggerReason = "ChargingStateChanged"
	TriggerReasonDeauthorized      TriggerReason = "Deauthorized"
	TriggerReasonEVCommunicationLost TriggerReason = "EVCommunicationLost"
	TriggerReasonEVDeparted        TriggerReason = "EVDeparted"
	TriggerReasonMeterValuePeriodic TriggerReason = "MeterValuePeriodic"
	TriggerReasonRemoteStop        TriggerReason = "RemoteStop"
	TriggerReasonStopAuthorized    TriggerReason = "StopAuthorized"
)

// ChargingState 充电状态
type ChargingState string

const (
	ChargingStateCharging      ChargingState = "Charging"
	ChargingStateEVConnected   ChargingState = "EVConnected"
	ChargingStateSuspendedEV   ChargingState = "SuspendedEV"
	ChargingStateSuspendedEVSE ChargingState = "SuspendedEVSE"
	ChargingStateIdle          ChargingState = "Idle"
)

// EVSE EVSE标识
type EVSE struct {
	Id          int  `json:"id" validate:"min=0"`
	ConnectorId *int `json:"connectorId,omitempty"`
}

// IdToken 2.0.1身份令牌
type IdToken struct {
	IdToken string `json:"idToken" validate:"required,max=36"`
	Type    string `json:"type" validate:"required"`
}

// Transaction 交易描述
type Transaction struct {
	TransactionId string         `json:"transactionId" validate:"required,max=36"`
	ChargingState *ChargingState `json:"chargingState,omitempty"`
	StoppedReason *string        `json:"stoppedReason,omitempty"`
}

// TransactionEventRequest 交易事件请求
type TransactionEventRequest struct {
	EventType     TransactionEventType `json:"eventType" validate:"required"`
	Timestamp     ocpp16.DateTime      `json:"timestamp" validate:"required"`
	TriggerReason TriggerReason        `json:"triggerReason" validate:"required"`
	SeqNo         int                  `json:"seqNo" validate:"min=0"`
	Offline       *bool                `json:"offline,omitempty"`
	TransactionInfo Transaction        `json:"transactionInfo" validate:"required"`
	IdToken       *IdToken             `json:"idToken,omitempty"`
	Evse          *EVSE                `json:"evse,omitempty"`
	MeterValue    []ocpp16.MeterValue  `json:"meterValue,omitempty"`
}

// TransactionEventResponse 交易事件响应
type TransactionEventResponse struct {
	TotalCost   *float64 `json:"totalCost,omitempty"`
	IdTokenInfo *struct {
		Status string `json:"status"`
	} `json:"idTokenInfo,omitempty"`
}

// Component 组件标识
type Component struct {
	Name     string `json:"name" validate:"required,max=50"`
	Instance *string `json:"instance,omitempty" validate:"omitempty,max=50"`
	Evse     *EVSE  `json:"evse,omitempty"`
}

// Variable 变量标识
type Variable struct {
	Name     string  `json:"name" validate:"required,max=50"`
	Instance *string `json:"instance,omitempty" validate:"omitempty,max=50"`
}

// GetVariableData 变量查询条目
type GetVariableData struct {
	Component Component `json:"component" validate:"required"`
	Variable  Variable  `json:"variable" validate:"required"`
}

// GetVariableResult 变量查询结果
type GetVariableResult struct {
	AttributeStatus string    `json:"attributeStatus" validate:"required"`
	Component       Component `json:"component" validate:"required"`
	Variable        Variable  `json:"variable" validate:"required"`
	AttributeValue  *string   `json:"attributeValue,omitempty" validate:"omitempty,max=2500"`
}

// GetVariablesRequest 读取变量请求
type GetVariablesRequest struct {
	GetVariableData []GetVariableData `json:"getVariableData" validate:"required,min=1"`
}

// GetVariablesResponse 读取变量响应
type GetVariablesResponse struct {
	GetVariableResult []GetVariableResult `json:"getVariableResult" validate:"required,min=1"`
}

// SetVariableData 变量写入条目
type SetVariableData struct {
	AttributeValue string    `json:"attributeValue" validate:"max=1000"`
	Component      Component `json:"component" validate:"required"`
	Variable       Variable  `json:"variable" validate:"required"`
}

// SetVariableResult 变量写入结果
type SetVariableResult struct {
	AttributeStatus string    `json:"attributeStatus" validate:"required"`
	Component       Component `json:"component" validate:"required"`
	Variable        Variable  `json:"variable" validate:"required"`
}

// SetVariablesRequest 写入变量请求
type SetVariablesRequest struct {
	SetVariableData []SetVariableData `json:"setVariableData" validate:"required,min=1"`
}

// SetVariablesResponse 写入变量响应
type SetVariablesResponse struct {
	SetVariableResult []SetVariableResult `json:"setVariableResult" validate:"required,min=1"`
}

// ReportData NotifyReport条目
type ReportData struct {
	Component Component `json:"component" validate:"required"`
	Variable  Variable  `json:"variable" validate:"required"`
	VariableAttribute []struct {
		Value    *string `json:"value,omitempty"`
		Mutability *string `json:"mutability,omitempty"`
	} `json:"variableAttribute" validate:"required,min=1"`
}

// NotifyReportRequest 报告通知请求
type NotifyReportRequest struct {
	RequestId  int             `json:"requestId" validate:"min=0"`
	GeneratedAt ocpp16.DateTime `json:"generatedAt" validate:"required"`
	SeqNo      int             `json:"seqNo" validate:"min=0"`
	Tbc        *bool           `json:"tbc,omitempty"`
	ReportData []ReportData    `json:"reportData,omitempty"`
}

// NotifyReportResponse 报告通知响应
type NotifyReportResponse struct{}
