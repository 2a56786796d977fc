package engine

import (
	"encoding/json"
	"fmt"
)

// OCPP-J CallError错误码
const (
	ErrNotImplemented               = "NotImplemented"
	ErrNotSupported                 = "NotSupported"
	ErrInternalError                = "InternalError"
	ErrProtocolError                = "ProtocolError"
	ErrSecurityError                = "SecurityError"
	ErrFormationViolation           = "FormationViolation"
	ErrPropertyConstraintViolation  = "PropertyConstraintViolation"
	ErrOccurenceConstraintViolation = "OccurenceConstraintViolation"
	ErrTypeConstraintViolation      = "TypeConstraintViolation"
	ErrGenericError                 = "GenericError"
)

// Frame 解码后的OCPP-J消息
type Frame struct {
	Type             int
	MsgID            string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// FrameError 帧编解码错误
//
// MsgID非空表示帧中的消息ID可被解析，调用方可用它回发
// FormationViolation。
type FrameError struct {
	MsgID   string
	Message string
	Cause   error
}

// Error 实现error接口
func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("frame decode failed: %s (caused by: %v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("frame decode failed: %s", e.Message)
}

// Unwrap 返回底层错误
func (e *FrameError) Unwrap() error {
	return e.Cause
}

// DecodeFrame 解析OCPP-J文本帧
func DecodeFrame(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, &FrameError{Message: "not a JSON array", Cause: err}
	}
	if len(elements) < 3 {
		return nil, &FrameError{Message: "message array too short"}
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, &FrameError{Message: "failed to parse message type", Cause: err}
	}

	var msgID string
	if err := json.Unmarshal(elements[1], &msgID); err != nil {
		return nil, &FrameError{Message: "failed to parse message id", Cause: err}
	}

	frame := &Frame{Type: msgType, MsgID: msgID}

	switch msgType {
	case 2:
		if len(elements) != 4 {
			return nil, &FrameError{MsgID: msgID, Message: "Call must have exactly 4 elements"}
		}
		if err := json.Unmarshal(elements[2], &frame.Action); err != nil {
			return nil, &FrameError{MsgID: msgID, Message: "failed to parse action", Cause: err}
		}
		frame.Payload = elements[3]

	case 3:
		if len(elements) != 3 {
			return nil, &FrameError{MsgID: msgID, Message: "CallResult must have exactly 3 elements"}
		}
		frame.Payload = elements[2]

	case 4:
		if len(elements) < 4 || len(elements) > 5 {
			return nil, &FrameError{MsgID: msgID, Message: "CallError must have 4 or 5 elements"}
		}
		if err := json.Unmarshal(elements[2], &frame.ErrorCode); err != nil {
			return nil, &FrameError{MsgID: msgID, Message: "failed to parse error code", Cause: err}
		}
		if err := json.Unmarshal(elements[3], &frame.ErrorDescription); err != nil {
			return nil, &FrameError{MsgID: msgID, Message: "failed to parse error description", Cause: err}
		}
		if len(elements) == 5 {
			frame.ErrorDetails = elements[4]
		}

	default:
		return nil, &FrameError{MsgID: msgID, Message: fmt.Sprintf("invalid message type: %d", msgType)}
	}

	return frame, nil
}

// EncodeCall 编码Call帧 [2, msgId, action, payload]
func EncodeCall(msgID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal([]interface{}{2, msgID, action, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Call %s: %w", action, err)
	}
	return data, nil
}

// EncodeCallResult 编码CallResult帧 [3, msgId, payload]
func EncodeCallResult(msgID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal([]interface{}{3, msgID, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CallResult: %w", err)
	}
	return data, nil
}

// EncodeCallError 编码CallError帧 [4, msgId, code, description, details]
func EncodeCallError(msgID, code, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	data, err := json.Marshal([]interface{}{4, msgID, code, description, details})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CallError: %w", err)
	}
	return data, nil
}
