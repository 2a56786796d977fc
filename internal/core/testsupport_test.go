package core

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/boot"
	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/ops"
)

// call 桩侧记录的一次客户端Call
type call struct {
	MsgID   string
	Action  string
	Payload map[string]interface{}
}

// conf 桩侧记录的一次客户端CallResult
type conf struct {
	MsgID   string
	Payload map[string]interface{}
}

// csmsStub 脚本化的CSMS桩
//
// 自动应答客户端发出的Call，并记录全部往来帧供断言。
type csmsStub struct {
	t *testing.T

	online   bool
	base     time.Time
	nextTxID int
	nextMsg  int

	calls   []call
	confs   []conf
	inbound []string

	respond map[string]func(payload json.RawMessage) interface{}
}

// newCSMSStub 创建桩，默认在线
func newCSMSStub(t *testing.T) *csmsStub {
	s := &csmsStub{
		t:        t,
		online:   true,
		base:     time.Date(2023, 3, 1, 10, 0, 0, 0, time.UTC),
		nextTxID: 1000,
		respond:  make(map[string]func(payload json.RawMessage) interface{}),
	}

	s.respond["BootNotification"] = func(json.RawMessage) interface{} {
		return map[string]interface{}{
			"status":      "Accepted",
			"currentTime": s.base.Format(time.RFC3339),
			"interval":    60,
		}
	}
	s.respond["Authorize"] = func(json.RawMessage) interface{} {
		return map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": "Accepted"},
		}
	}
	s.respond["StartTransaction"] = func(json.RawMessage) interface{} {
		txID := s.nextTxID
		s.nextTxID++
		return map[string]interface{}{
			"idTagInfo":     map[string]interface{}{"status": "Accepted"},
			"transactionId": txID,
		}
	}
	return s
}

// Send 实现engine.Connection
func (s *csmsStub) Send(text string) bool {
	if !s.online {
		return false
	}
	frame, err := engine.DecodeFrame([]byte(text))
	require.NoError(s.t, err)

	switch frame.Type {
	case 2:
		var payload map[string]interface{}
		require.NoError(s.t, json.Unmarshal(frame.Payload, &payload))
		s.calls = append(s.calls, call{MsgID: frame.MsgID, Action: frame.Action, Payload: payload})

		handler := s.respond[frame.Action]
		var confPayload interface{} = map[string]interface{}{}
		if handler != nil {
			confPayload = handler(frame.Payload)
		}
		data, err := engine.EncodeCallResult(frame.MsgID, confPayload)
		require.NoError(s.t, err)
		s.inbound = append(s.inbound, string(data))

	case 3:
		var payload map[string]interface{}
		require.NoError(s.t, json.Unmarshal(frame.Payload, &payload))
		s.confs = append(s.confs, conf{MsgID: frame.MsgID, Payload: payload})

	case 4:
		s.confs = append(s.confs, conf{MsgID: frame.MsgID, Payload: map[string]interface{}{
			"errorCode": frame.ErrorCode,
		}})
	}
	return true
}

// Receive 实现engine.Connection
func (s *csmsStub) Receive(cb func(text string)) {
	pending := s.inbound
	s.inbound = nil
	for _, text := range pending {
		cb(text)
	}
}

// IsConnected 实现engine.Connection
func (s *csmsStub) IsConnected() bool { return s.online }

// IsOnline 实现engine.Connection
func (s *csmsStub) IsOnline() bool { return s.online }

// PushCall 注入一条服务端发起的Call
func (s *csmsStub) PushCall(action string, payload interface{}) string {
	s.nextMsg++
	msgID := fmt.Sprintf("srv-%d", s.nextMsg)
	data, err := engine.EncodeCall(msgID, action, payload)
	require.NoError(s.t, err)
	s.inbound = append(s.inbound, string(data))
	return msgID
}

// callsOf 按动作过滤记录的Call
func (s *csmsStub) callsOf(action string) []call {
	var out []call
	for _, c := range s.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// confOf 按消息ID查找CallResult
func (s *csmsStub) confOf(msgID string) *conf {
	for i := range s.confs {
		if s.confs[i].MsgID == msgID {
			return &s.confs[i]
		}
	}
	return nil
}

// testEnv 一个完整的测试环境
type testEnv struct {
	ctx  *Context
	stub *csmsStub
	mono *int64
	fs   filestore.Store
}

// envOption 环境构造选项
type envOption func(*Options)

// withUnlockPoll 安装解锁轮询挂钩
func withUnlockPoll(fn func(connectorID int) ops.UnlockResult) envOption {
	return func(o *Options) { o.UnlockPoll = fn }
}

// newTestEnv 组装新的客户端环境，model进入BootNotification
func newTestEnv(t *testing.T, stub *csmsStub, model string, fs filestore.Store, options ...envOption) *testEnv {
	t.Helper()
	if fs == nil {
		fs = filestore.NewMem()
	}
	mono := new(int64)

	opts := Options{
		Connection:  stub,
		FileStore:   fs,
		ClockSource: func() int64 { return *mono },
		Connectors:  1,
		Identity: boot.Identity{
			ChargePointVendor: "ChargingPlatform",
			ChargePointModel:  model,
			FirmwareVersion:   "1.0.0",
		},
	}
	for _, opt := range options {
		opt(&opts)
	}

	ctx, err := New(opts)
	require.NoError(t, err)
	return &testEnv{ctx: ctx, stub: stub, mono: mono, fs: fs}
}

// loops 推进n个周期，每周期前进stepMs毫秒
func (e *testEnv) loops(n int, stepMs int64) {
	for i := 0; i < n; i++ {
		*e.mono += stepMs
		e.ctx.Loop()
	}
}

// advance 前进单调时钟
func (e *testEnv) advance(d time.Duration) {
	*e.mono += d.Milliseconds()
}

// payloadTime 解析载荷中的时间戳字段
func payloadTime(t *testing.T, payload map[string]interface{}, field string) time.Time {
	t.Helper()
	raw, ok := payload[field].(string)
	require.True(t, ok, "missing %s", field)
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	return ts
}
