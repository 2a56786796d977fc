package engine

import (
	"encoding/json"
	"time"
)

// 请求调度默认值
const (
	// DefaultRequestTimeout 单次请求超时
	DefaultRequestTimeout = 40 * time.Second
	// DefaultAttempts 非持久化请求的最大尝试次数
	DefaultAttempts = 3
	// DefaultTxAttempts 交易绑定请求的最大尝试次数
	DefaultTxAttempts = 10
	// BackoffBase 重试退避基数
	BackoffBase = time.Second
	// BackoffMax 重试退避上限
	BackoffMax = 60 * time.Second
)

// Request 带调度元数据的待发送操作
//
// 持久化变体通过(ConnectorID, TxNr)关联磁盘上的交易记录，
// 只持有索引不持有指针。
type Request struct {
	Op Operation

	// 队列定位
	OpNr        int
	ConnectorID int
	TxNr        int
	Persistent  bool

	// 调度
	Timeout       time.Duration
	MaxAttempts   int
	AttemptNr     int
	LastAttemptAt int64 // 单调毫秒，0表示尚未发送
	NotBefore     int64 // 单调毫秒，重试退避下界
	MsgID         string

	// 完成续体
	OnConf    func(payload json.RawMessage)
	OnAbort   func()
	OnTimeout func()
	// OnErr 收到CallError时决定是否重试
	OnErr func(code, description string, details json.RawMessage) bool
}

// NewRequest 创建易失性请求
func NewRequest(op Operation) *Request {
	return &Request{
		Op:          op,
		Timeout:     DefaultRequestTimeout,
		MaxAttempts: DefaultAttempts,
	}
}

// NewTxRequest 创建交易绑定的持久化请求
func NewTxRequest(op Operation, connectorID, txNr int) *Request {
	return &Request{
		Op:          op,
		ConnectorID: connectorID,
		TxNr:        txNr,
		Persistent:  true,
		Timeout:     DefaultRequestTimeout,
		MaxAttempts: DefaultTxAttempts,
	}
}

// backoff 第attempt次重试的退避时长
func backoff(attempt int) time.Duration {
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= BackoffMax {
			return BackoffMax
		}
	}
	return d
}
