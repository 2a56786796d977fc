package session

import (
	"strconv"

	"github.com/charging-platform/charge-point-client/internal/clock"
)

// 授权结果
const (
	AuthPending  = "Pending"
	AuthAccepted = "Accepted"
	AuthRejected = "Rejected"
)

// Transaction 以(connectorId, txNr)为身份的持久化充电会话记录
//
// 不变式：Started蕴含Authorized且已分配TransactionID获取路径；
// Stopped蕴含Started。Silent交易仅本地记录，不与CSMS往返。
type Transaction struct {
	ConnectorID int `json:"connectorId"`
	TxNr        int `json:"txNr"`

	IdTag         string `json:"idTag,omitempty"`
	ParentIdTag   string `json:"parentIdTag,omitempty"`
	ReservationID *int   `json:"reservationId,omitempty"`

	Auth string `json:"auth"`

	Active     bool `json:"active"`
	Authorized bool `json:"authorized"`
	Started    bool `json:"started"`
	Stopped    bool `json:"stopped"`
	Silent     bool `json:"silent,omitempty"`

	BeginStamp clock.Timestamp `json:"begin"`
	StartStamp clock.Timestamp `json:"start,omitempty"`
	StopStamp  clock.Timestamp `json:"stop,omitempty"`

	TransactionID int    `json:"transactionId,omitempty"`
	MeterStart    *int   `json:"meterStart,omitempty"`
	MeterStop     *int   `json:"meterStop,omitempty"`
	StopReason    string `json:"stopReason,omitempty"`

	SampleSeqNr int `json:"sampleSeqNr"`
}

// IsRunning 已发出StartTransaction且尚未发出StopTransaction
func (t *Transaction) IsRunning() bool {
	return t.Started && !t.Stopped
}

// IsActive 会话仍在进行，尚未被任何停止条件终结
func (t *Transaction) IsActive() bool {
	return t.Active
}

// IsAuthorized 已获得授权（远程或本地）
func (t *Transaction) IsAuthorized() bool {
	return t.Authorized
}

// IsSilent 仅本地记录，不向CSMS报告
func (t *Transaction) IsSilent() bool {
	return t.Silent
}

// txFileName 交易记录文件名 tx-<connectorId>-<txNr>.jsn
func txFileName(connectorID, txNr int) string {
	return "tx-" + strconv.Itoa(connectorID) + "-" + strconv.Itoa(txNr) + ".jsn"
}
