package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/charging-platform/charge-point-client/internal/engine"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
)

// DefaultTxRecordSize 每个连接器的持久化记录容量
const DefaultTxRecordSize = 4

// ErrQueueFull 连接器的持久化队列已满
var ErrQueueFull = fmt.Errorf("persistent queue full")

// PersistRecord 持久化请求的磁盘记录
//
// StartTransaction/StopTransaction不携带Payload，发送时由
// 交易记录重建，以便在时钟同步后回溯修复时间戳。
type PersistRecord struct {
	ConnectorID int             `json:"connectorId"`
	OpNr        int             `json:"opNr"`
	TxNr        int             `json:"txNr"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// entry 队列条目
type entry struct {
	req   *engine.Request
	rec   *PersistRecord
	taken bool
}

// Queue 三级出站请求队列
//
// 优先级从高到低：预启动门控下的BootNotification、持久化
// 交易队列、易失队列。持久化条目先落盘再入队，确认后才
// 删除，掉电后可完整恢复。
type Queue struct {
	fs  filestore.Store
	log *logger.Logger

	preboot      bool
	vol          []*entry
	per          []*entry
	nextOpNr     map[int]int
	txRecordSize int
}

// New 创建队列
func New(fs filestore.Store, txRecordSize int, log *logger.Logger) *Queue {
	if txRecordSize <= 0 {
		txRecordSize = DefaultTxRecordSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Queue{
		fs:           fs,
		log:          log.Component("queue"),
		preboot:      true,
		nextOpNr:     make(map[int]int),
		txRecordSize: txRecordSize,
	}
}

// SetPreBoot 设置预启动门控
func (q *Queue) SetPreBoot(preboot bool) {
	q.preboot = preboot
}

// TxRecordSize 每连接器持久化容量
func (q *Queue) TxRecordSize() int {
	return q.txRecordSize
}

// Push 入队易失请求
func (q *Queue) Push(r *engine.Request) {
	q.vol = append(q.vol, &entry{req: r})
	q.updateDepth()
}

// PushPersistent 入队持久化请求，先写盘再入队
//
// payload为nil的记录在发送时由所属交易重建载荷。容量按
// 连接器上不同交易的数量计，同一交易的后续条目总被接受。
func (q *Queue) PushPersistent(r *engine.Request, payload json.RawMessage) error {
	if !q.txKnown(r.ConnectorID, r.TxNr) && q.CountPersistent(r.ConnectorID) >= q.txRecordSize {
		return ErrQueueFull
	}

	rec := &PersistRecord{
		ConnectorID: r.ConnectorID,
		OpNr:        q.nextOpNr[r.ConnectorID],
		TxNr:        r.TxNr,
		Action:      r.Op.Action(),
		Payload:     payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal op record: %w", err)
	}
	if err := q.fs.Write(opFileName(rec.ConnectorID, rec.OpNr), data); err != nil {
		return fmt.Errorf("failed to persist op record: %w", err)
	}

	q.nextOpNr[r.ConnectorID] = rec.OpNr + 1
	r.OpNr = rec.OpNr
	q.per = append(q.per, &entry{req: r, rec: rec})
	q.updateDepth()
	return nil
}

// CountPersistent 连接器上持久化队列覆盖的交易数
func (q *Queue) CountPersistent(connectorID int) int {
	seen := make(map[int]bool)
	for _, e := range q.per {
		if e.rec.ConnectorID == connectorID {
			seen[e.rec.TxNr] = true
		}
	}
	return len(seen)
}

// txKnown 交易是否已有持久化条目
func (q *Queue) txKnown(connectorID, txNr int) bool {
	for _, e := range q.per {
		if e.rec.ConnectorID == connectorID && e.rec.TxNr == txNr {
			return true
		}
	}
	return false
}

// Next 返回下一个可发送请求
//
// 预启动期间仅放行BootNotification。返回的请求在Confirm、
// Abort或Requeue之前不会再次返回。
func (q *Queue) Next(nowMs int64) *engine.Request {
	if q.preboot {
		for _, e := range q.vol {
			if !e.taken && e.req.NotBefore <= nowMs && e.req.Op.Action() == "BootNotification" {
				e.taken = true
				return e.req
			}
		}
		return nil
	}

	for _, e := range q.per {
		if e.taken {
			return nil // 保持持久化队列严格有序，一次只放行队首
		}
		if e.req.NotBefore <= nowMs {
			e.taken = true
			return e.req
		}
		break
	}

	for _, e := range q.vol {
		if !e.taken && e.req.NotBefore <= nowMs {
			e.taken = true
			return e.req
		}
	}
	return nil
}

// Requeue 将请求放回队列等待重发
func (q *Queue) Requeue(r *engine.Request) {
	if e := q.find(r); e != nil {
		e.taken = false
	}
}

// Confirm 请求已确认，移除条目与磁盘记录
func (q *Queue) Confirm(r *engine.Request) {
	q.remove(r, true)
}

// Abort 请求被放弃，移除条目与磁盘记录
//
// 交易记录本身由会话服务管理，这里只清理出站条目。
func (q *Queue) Abort(r *engine.Request) {
	q.remove(r, true)
}

// DropTransaction 丢弃某交易的全部持久化条目
//
// 用于时钟原点丢失时成对丢弃StartTransaction与StopTransaction。
func (q *Queue) DropTransaction(connectorID, txNr int) {
	kept := q.per[:0]
	for _, e := range q.per {
		if e.rec.ConnectorID == connectorID && e.rec.TxNr == txNr {
			if err := q.fs.Remove(opFileName(e.rec.ConnectorID, e.rec.OpNr)); err != nil {
				q.log.Warnf("Failed to remove op record %d-%d: %v", e.rec.ConnectorID, e.rec.OpNr, err)
			}
			continue
		}
		kept = append(kept, e)
	}
	q.per = kept
	q.updateDepth()
}

// Restore 从磁盘恢复持久化队列
//
// factory由会话服务提供，按记录重建请求；返回nil的记录
// 连同文件一起丢弃。损坏的文件直接删除。
func (q *Queue) Restore(factory func(rec PersistRecord) *engine.Request) error {
	names, err := q.fs.List("op-")
	if err != nil {
		return fmt.Errorf("failed to list op records: %w", err)
	}

	var recs []PersistRecord
	for _, name := range names {
		data, err := q.fs.Read(name)
		if err != nil {
			continue
		}
		var rec PersistRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			q.log.Warnf("Discarding corrupt op record %s: %v", name, err)
			q.fs.Remove(name)
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ConnectorID != recs[j].ConnectorID {
			return recs[i].ConnectorID < recs[j].ConnectorID
		}
		return recs[i].OpNr < recs[j].OpNr
	})

	for _, rec := range recs {
		if rec.OpNr >= q.nextOpNr[rec.ConnectorID] {
			q.nextOpNr[rec.ConnectorID] = rec.OpNr + 1
		}
		req := factory(rec)
		if req == nil {
			q.log.Infof("Dropping unrecoverable op record %d-%d (%s)", rec.ConnectorID, rec.OpNr, rec.Action)
			q.fs.Remove(opFileName(rec.ConnectorID, rec.OpNr))
			continue
		}
		req.OpNr = rec.OpNr
		req.ConnectorID = rec.ConnectorID
		req.TxNr = rec.TxNr
		req.Persistent = true
		recCopy := rec
		q.per = append(q.per, &entry{req: req, rec: &recCopy})
	}
	q.updateDepth()
	return nil
}

// find 按请求指针查找条目
func (q *Queue) find(r *engine.Request) *entry {
	for _, e := range q.per {
		if e.req == r {
			return e
		}
	}
	for _, e := range q.vol {
		if e.req == r {
			return e
		}
	}
	return nil
}

// remove 移除条目，可选删除磁盘记录
func (q *Queue) remove(r *engine.Request, dropFile bool) {
	for i, e := range q.per {
		if e.req == r {
			if dropFile {
				if err := q.fs.Remove(opFileName(e.rec.ConnectorID, e.rec.OpNr)); err != nil {
					q.log.Warnf("Failed to remove op record %d-%d: %v", e.rec.ConnectorID, e.rec.OpNr, err)
				}
			}
			q.per = append(q.per[:i], q.per[i+1:]...)
			q.updateDepth()
			return
		}
	}
	for i, e := range q.vol {
		if e.req == r {
			q.vol = append(q.vol[:i], q.vol[i+1:]...)
			q.updateDepth()
			return
		}
	}
}

// updateDepth 刷新队列深度指标
func (q *Queue) updateDepth() {
	metrics.QueueDepth.WithLabelValues("volatile").Set(float64(len(q.vol)))
	metrics.QueueDepth.WithLabelValues("persistent").Set(float64(len(q.per)))
}

// opFileName 出站记录文件名
func opFileName(connectorID, opNr int) string {
	return "op-" + strconv.Itoa(connectorID) + "-" + strconv.Itoa(opNr) + ".jsn"
}
