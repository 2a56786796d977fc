package ops

import (
	"encoding/json"

	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp201"
	"github.com/charging-platform/charge-point-client/internal/engine"
)

// RegisterV201 注册2.0.1方言下的变量操作处理器
//
// 变量映射到配置存储：Component名被忽略，Variable名即配置键。
func RegisterV201(reg *engine.Registry, s *Services) {
	reg.Register("GetVariables", func() engine.Operation { return &getVariablesOp{svc: s} })
	reg.Register("SetVariables", func() engine.Operation { return &setVariablesOp{svc: s} })
}

// getVariablesOp GetVariables处理器
type getVariablesOp struct {
	engine.BaseOperation
	svc     *Services
	results []ocpp201.GetVariableResult
}

// Action OCPP动作名
func (o *getVariablesOp) Action() string {
	return "GetVariables"
}

// ProcessReq 处理请求载荷
func (o *getVariablesOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp201.GetVariablesRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	for _, item := range req.GetVariableData {
		result := ocpp201.GetVariableResult{
			Component: item.Component,
			Variable:  item.Variable,
		}
		if info, ok := o.svc.Cfg.Get(item.Variable.Name); ok {
			value := info.Value
			result.AttributeStatus = "Accepted"
			result.AttributeValue = &value
		} else {
			result.AttributeStatus = "UnknownVariable"
		}
		o.results = append(o.results, result)
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *getVariablesOp) CreateConf() (interface{}, error) {
	return &ocpp201.GetVariablesResponse{GetVariableResult: o.results}, nil
}

// setVariablesOp SetVariables处理器
type setVariablesOp struct {
	engine.BaseOperation
	svc     *Services
	results []ocpp201.SetVariableResult
}

// Action OCPP动作名
func (o *setVariablesOp) Action() string {
	return "SetVariables"
}

// ProcessReq 处理请求载荷
func (o *setVariablesOp) ProcessReq(payload json.RawMessage) error {
	var req ocpp201.SetVariablesRequest
	if !o.svc.decodeReq(payload, &req, &o.BaseOperation) {
		return nil
	}
	dirty := false
	for _, item := range req.SetVariableData {
		result := ocpp201.SetVariableResult{
			Component: item.Component,
			Variable:  item.Variable,
		}
		switch o.svc.Cfg.SetFromString(item.Variable.Name, item.AttributeValue) {
		case configstore.SetOK:
			result.AttributeStatus = "Accepted"
			dirty = true
		case configstore.SetRebootRequired:
			result.AttributeStatus = "RebootRequired"
			dirty = true
		case configstore.SetUnknownKey:
			result.AttributeStatus = "UnknownVariable"
		default:
			result.AttributeStatus = "Rejected"
		}
		o.results = append(o.results, result)
	}
	if dirty {
		if err := o.svc.Cfg.Save(); err != nil {
			o.svc.Log.ErrorWithErr(err, "Failed to save configuration")
		}
	}
	return nil
}

// CreateConf 生成响应载荷
func (o *setVariablesOp) CreateConf() (interface{}, error) {
	return &ocpp201.SetVariablesResponse{SetVariableResult: o.results}, nil
}

// NotifyVariablesReport 发布一次NotifyReport，包含全部配置项
func (s *Services) NotifyVariablesReport(requestID int) {
	now, ok := s.Clk.Now()
	if !ok {
		return
	}
	var report []ocpp201.ReportData
	for _, info := range s.Cfg.GetAll() {
		value := info.Value
		mutability := "ReadWrite"
		if info.Readonly {
			mutability = "ReadOnly"
		}
		rd := ocpp201.ReportData{
			Component: ocpp201.Component{Name: "OCPPCommCtrlr"},
			Variable:  ocpp201.Variable{Name: info.Key},
		}
		rd.VariableAttribute = append(rd.VariableAttribute, struct {
			Value      *string `json:"value,omitempty"`
			Mutability *string `json:"mutability,omitempty"`
		}{Value: &value, Mutability: &mutability})
		report = append(report, rd)
	}
	s.Queue.Push(engine.NewRequest(&notifyReportOp{
		requestID:   requestID,
		generatedAt: ocpp16.NewDateTime(now),
		report:      report,
	}))
}

// notifyReportOp NotifyReport客户端操作
type notifyReportOp struct {
	engine.BaseOperation
	requestID   int
	generatedAt ocpp16.DateTime
	report      []ocpp201.ReportData
}

// Action OCPP动作名
func (o *notifyReportOp) Action() string {
	return "NotifyReport"
}

// CreateReq 生成请求载荷
func (o *notifyReportOp) CreateReq() (interface{}, error) {
	return &ocpp201.NotifyReportRequest{
		RequestId:   o.requestID,
		GeneratedAt: o.generatedAt,
		ReportData:  o.report,
	}, nil
}
