package session

import (
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
)

// BeginTransaction 以idTag开始一次会话，经远程Authorize
//
// 返回nil表示准入被拒：已有交易、预启动门控、或日志满且
// 不允许静默交易。
func (c *Connector) BeginTransaction(idTag string) *Transaction {
	if c.id == 0 || c.tx != nil || !c.svc.txAllowed() {
		return nil
	}

	// 本地预授权命中时跳过远程Authorize
	if c.svc.localPreAuthorize.Get() {
		if info, ok := c.svc.localAuthInfo(idTag); ok && info.Status == ocpp16.AuthorizationStatusAccepted {
			return c.beginWith(idTag, &info)
		}
	}

	tx := c.attachNew(idTag)
	if tx == nil {
		return nil
	}

	if tx.Silent {
		tx.Authorized = true
		tx.Auth = AuthAccepted
		return tx
	}

	if c.svc.conn != nil && c.svc.conn.IsOnline() {
		c.svc.enqueueAuthorize(c, tx)
	} else {
		c.svc.offlineAuthorize(tx)
		if !tx.Active {
			c.svc.discardTransaction(tx)
			c.tx = nil
			return nil
		}
	}
	return tx
}

// BeginTransactionAuthorized 以已授权的idTag开始一次会话
//
// 供本地授权缓存命中与RemoteStartTransaction使用，不发出
// Authorize。
func (c *Connector) BeginTransactionAuthorized(idTag string) *Transaction {
	if c.id == 0 || c.tx != nil || !c.svc.txAllowed() {
		return nil
	}
	return c.beginWith(idTag, nil)
}

// beginWith 已授权路径的公共部分
func (c *Connector) beginWith(idTag string, info *ocpp16.IdTagInfo) *Transaction {
	tx := c.attachNew(idTag)
	if tx == nil {
		return nil
	}
	tx.Authorized = true
	tx.Auth = AuthAccepted
	if info != nil && info.ParentIdTag != nil {
		tx.ParentIdTag = *info.ParentIdTag
	}
	if !tx.Silent {
		c.svc.persistTransaction(tx)
	}
	return tx
}

// attachNew 创建交易记录并挂到连接器
func (c *Connector) attachNew(idTag string) *Transaction {
	tx := c.svc.createTransaction(c.id)
	if tx == nil {
		return nil
	}
	tx.IdTag = idTag
	tx.Auth = AuthPending
	tx.Active = true
	tx.BeginStamp = c.svc.clk.Stamp()
	c.beginMonoMs = c.svc.clk.NowMs()
	c.tx = tx
	if !tx.Silent {
		c.svc.persistTransaction(tx)
	}
	return tx
}

// EndTransaction 以给定原因结束当前会话
//
// 实际的StopTransaction发出发生在loop中，受stopTxReady门控。
func (c *Connector) EndTransaction(reason ocpp16.Reason) {
	if c.tx == nil || !c.tx.Active {
		return
	}
	c.endWithReason(c.tx, reason)
}

// Deauthorize 撤销授权，按StopTransactionOnInvalidId决定是否停车
func (c *Connector) Deauthorize() {
	tx := c.tx
	if tx == nil {
		return
	}
	if !tx.Started {
		c.svc.rejectAuthorization(tx)
		return
	}
	if c.svc.stopTransactionOnInvalidId.Get() {
		tx.Authorized = false
		c.endWithReason(tx, ocpp16.ReasonDeAuthorized)
	}
}
