package engine

import (
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
)

// Connection 文本帧WebSocket连接适配器
//
// Send与Receive必须是非阻塞的，可在loop()上下文中调用。
// Online蕴含Connected。
type Connection interface {
	// Send 发送一个文本帧，失败返回false
	Send(text string) bool
	// Receive 对每个已到达的文本帧调用cb，无帧时立即返回
	Receive(cb func(text string))
	// IsConnected 底层连接是否建立
	IsConnected() bool
	// IsOnline 连接是否可用于收发
	IsOnline() bool
}

// RequestQueue 引擎的出站请求来源
type RequestQueue interface {
	// Next 弹出下一个可发送请求，无可发送时返回nil
	Next(nowMs int64) *Request
	// Requeue 将请求放回队首
	Requeue(r *Request)
	// Confirm 请求已被CallResult确认，移除持久化记录
	Confirm(r *Request)
	// Abort 请求被放弃，保留交易数据但出队
	Abort(r *Request)
}

// Config 引擎配置
type Config struct {
	// MaxFrameBytes 单帧编码字节上限，超限按分配失败处理
	MaxFrameBytes int `json:"max_frame_bytes"`
}

// DefaultConfig 默认引擎配置
func DefaultConfig() *Config {
	return &Config{
		MaxFrameBytes: 16 * 1024,
	}
}

// deferredConf 等待就绪的延迟响应
type deferredConf struct {
	op    Operation
	msgID string
}

// Engine OCPP-J请求/响应状态机
//
// 同一时刻最多一个在途出站Call。所有推进都发生在Loop内，
// 没有自己的goroutine。
type Engine struct {
	conn   Connection
	reg    *Registry
	queue  RequestQueue
	clock  *clock.Clock
	config *Config
	log    *logger.Logger

	inFlight *Request
	deferred []deferredConf
	msgIDFn  func() string
}

// New 创建引擎
func New(conn Connection, reg *Registry, queue RequestQueue, clk *clock.Clock, config *Config, log *logger.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		conn:    conn,
		reg:     reg,
		queue:   queue,
		clock:   clk,
		config:  config,
		log:     log.Component("engine"),
		msgIDFn: uuid.NewString,
	}
}

// Loop 推进引擎一个周期：收帧、派发、超时、发送
func (e *Engine) Loop() {
	e.conn.Receive(e.handleFrame)
	e.flushDeferred()
	e.checkConnection()
	e.checkTimeout()
	e.sendNext()
}

// InFlight 当前在途请求，测试用
func (e *Engine) InFlight() *Request {
	return e.inFlight
}

// handleFrame 解析并派发一个入站帧
func (e *Engine) handleFrame(text string) {
	frame, err := DecodeFrame([]byte(text))
	if err != nil {
		var fe *FrameError
		if errors.As(err, &fe) && fe.MsgID != "" {
			e.sendCallError(fe.MsgID, ErrFormationViolation, fe.Message, nil)
		} else {
			e.log.Warnf("Dropping malformed frame: %v", err)
		}
		return
	}

	metrics.FramesReceived.WithLabelValues(strconv.Itoa(frame.Type)).Inc()

	switch frame.Type {
	case 2:
		e.handleCall(frame)
	case 3:
		e.handleCallResult(frame)
	case 4:
		e.handleCallError(frame)
	}
}

// handleCall 处理服务端发起的Call
func (e *Engine) handleCall(frame *Frame) {
	if len(frame.Payload) > e.config.MaxFrameBytes {
		e.sendCallError(frame.MsgID, ErrInternalError, "payload exceeds capacity", nil)
		return
	}

	op, ok := e.reg.Create(frame.Action)
	if !ok {
		e.log.Warnf("No handler for action %s", frame.Action)
		e.sendCallError(frame.MsgID, ErrNotImplemented, "action not implemented", nil)
		return
	}

	if err := op.ProcessReq(frame.Payload); err != nil {
		e.log.ErrorWithErr(err, "Handler rejected request payload")
		if op.ErrorCode() == "" {
			e.sendCallError(frame.MsgID, ErrFormationViolation, err.Error(), nil)
			return
		}
	}
	if code := op.ErrorCode(); code != "" {
		e.sendCallError(frame.MsgID, code, op.ErrorDescription(), nil)
		return
	}

	if d, ok := op.(Deferred); ok && !d.Ready() {
		e.deferred = append(e.deferred, deferredConf{op: op, msgID: frame.MsgID})
		return
	}

	e.sendConf(op, frame.MsgID)
}

// handleCallResult 处理出站Call的响应
func (e *Engine) handleCallResult(frame *Frame) {
	if e.inFlight == nil || e.inFlight.MsgID != frame.MsgID {
		e.log.Warnf("Discarding stale CallResult %s", frame.MsgID)
		return
	}

	r := e.inFlight
	e.inFlight = nil

	if err := r.Op.ProcessConf(frame.Payload); err != nil {
		e.log.ErrorWithErr(err, "Failed to process CallResult payload")
		e.queue.Confirm(r)
		return
	}
	if r.OnConf != nil {
		r.OnConf(frame.Payload)
	}
	e.queue.Confirm(r)
}

// handleCallError 处理出站Call的错误响应
func (e *Engine) handleCallError(frame *Frame) {
	metrics.CallErrors.WithLabelValues("inbound", frame.ErrorCode).Inc()

	if e.inFlight == nil || e.inFlight.MsgID != frame.MsgID {
		e.log.Warnf("Discarding stale CallError %s (%s)", frame.MsgID, frame.ErrorCode)
		return
	}

	r := e.inFlight
	e.inFlight = nil

	e.log.Warnf("CallError for %s: %s (%s)", r.Op.Action(), frame.ErrorCode, frame.ErrorDescription)

	retry := r.Persistent
	if r.OnErr != nil {
		retry = r.OnErr(frame.ErrorCode, frame.ErrorDescription, frame.ErrorDetails)
	}
	e.retryOrAbort(r, retry)
}

// checkConnection 连接中断时将在途请求放回队首，重连后重发
func (e *Engine) checkConnection() {
	if e.inFlight != nil && !e.conn.IsConnected() {
		e.log.Warn("Connection lost, re-arming in-flight request")
		r := e.inFlight
		e.inFlight = nil
		r.MsgID = ""
		e.queue.Requeue(r)
	}
}

// checkTimeout 超时处理在途请求
func (e *Engine) checkTimeout() {
	if e.inFlight == nil {
		return
	}
	now := e.clock.NowMs()
	if now-e.inFlight.LastAttemptAt <= e.inFlight.Timeout.Milliseconds() {
		return
	}

	metrics.RequestTimeouts.Inc()
	r := e.inFlight
	e.inFlight = nil

	e.log.Warnf("Request %s timed out (attempt %d/%d)", r.Op.Action(), r.AttemptNr, r.MaxAttempts)
	if r.OnTimeout != nil {
		r.OnTimeout()
	}
	e.retryOrAbort(r, true)
}

// retryOrAbort 按尝试次数决定重试或放弃
func (e *Engine) retryOrAbort(r *Request, retry bool) {
	if retry && r.AttemptNr < r.MaxAttempts {
		r.MsgID = ""
		r.NotBefore = e.clock.NowMs() + backoff(r.AttemptNr).Milliseconds()
		e.queue.Requeue(r)
		return
	}
	if r.OnAbort != nil {
		r.OnAbort()
	}
	e.queue.Abort(r)
}

// sendNext 无在途请求时从队列取下一个发送
func (e *Engine) sendNext() {
	if e.inFlight != nil || !e.conn.IsOnline() {
		return
	}

	r := e.queue.Next(e.clock.NowMs())
	if r == nil {
		return
	}

	payload, err := r.Op.CreateReq()
	if err != nil {
		e.log.ErrorWithErr(err, "Failed to build request payload, aborting")
		if r.OnAbort != nil {
			r.OnAbort()
		}
		e.queue.Abort(r)
		return
	}

	msgID := e.msgIDFn()
	data, err := EncodeCall(msgID, r.Op.Action(), payload)
	if err != nil || len(data) > e.config.MaxFrameBytes {
		if err == nil {
			err = errors.New("encoded frame exceeds capacity")
		}
		e.log.ErrorWithErr(err, "Failed to encode outgoing Call")
		e.retryOrAbort(r, r.Persistent)
		return
	}

	if !e.conn.Send(string(data)) {
		e.queue.Requeue(r)
		return
	}

	r.MsgID = msgID
	r.AttemptNr++
	r.LastAttemptAt = e.clock.NowMs()
	e.inFlight = r
	metrics.FramesSent.WithLabelValues("2").Inc()
}

// flushDeferred 发送已就绪的延迟响应
func (e *Engine) flushDeferred() {
	if len(e.deferred) == 0 {
		return
	}
	remaining := e.deferred[:0]
	for _, d := range e.deferred {
		if dop, ok := d.op.(Deferred); ok && !dop.Ready() {
			remaining = append(remaining, d)
			continue
		}
		e.sendConf(d.op, d.msgID)
	}
	e.deferred = remaining
}

// sendConf 编码并发送CallResult
func (e *Engine) sendConf(op Operation, msgID string) {
	payload, err := op.CreateConf()
	if err != nil {
		e.log.ErrorWithErr(err, "Failed to build response payload")
		e.sendCallError(msgID, ErrInternalError, err.Error(), nil)
		return
	}
	data, err := EncodeCallResult(msgID, payload)
	if err != nil || len(data) > e.config.MaxFrameBytes {
		e.sendCallError(msgID, ErrInternalError, "response exceeds capacity", nil)
		return
	}
	if e.conn.Send(string(data)) {
		metrics.FramesSent.WithLabelValues("3").Inc()
	}
}

// sendCallError 编码并发送CallError
func (e *Engine) sendCallError(msgID, code, description string, details interface{}) {
	metrics.CallErrors.WithLabelValues("outbound", code).Inc()
	data, err := EncodeCallError(msgID, code, description, details)
	if err != nil {
		e.log.ErrorWithErr(err, "Failed to encode CallError")
		return
	}
	if e.conn.Send(string(data)) {
		metrics.FramesSent.WithLabelValues("4").Inc()
	}
}
