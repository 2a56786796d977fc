package availability

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/session"
)

// Reservation 一条预约记录
type Reservation struct {
	ReservationID int       `json:"reservationId"`
	ConnectorID   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	ParentIdTag   string    `json:"parentIdTag,omitempty"`
	ExpiryDate    time.Time `json:"expiryDate"`
}

// Reservations 预约存储
//
// 每连接器一条记录，持久化为reservation-<c>.jsn，到期或被
// 同idTag的交易消费后移除。
type Reservations struct {
	fs    filestore.Store
	clk   *clock.Clock
	txSvc *session.Service
	log   *logger.Logger

	byConnector map[int]*Reservation
}

// NewReservations 创建预约存储并恢复持久化记录
func NewReservations(fs filestore.Store, clk *clock.Clock, txSvc *session.Service, log *logger.Logger) *Reservations {
	if log == nil {
		log = logger.Default()
	}
	r := &Reservations{
		fs:          fs,
		clk:         clk,
		txSvc:       txSvc,
		log:         log.Component("reservation"),
		byConnector: make(map[int]*Reservation),
	}
	r.restore()

	txSvc.OnTxStarted(func(connectorID int, tx *session.Transaction) {
		if tx.ReservationID != nil {
			r.Cancel(*tx.ReservationID)
		}
	})
	return r
}

// Reserve 应用一次ReserveNow
func (r *Reservations) Reserve(req *ocpp16.ReserveNowRequest) ocpp16.ReservationStatus {
	c := r.txSvc.Connector(req.ConnectorId)
	if c == nil || req.ConnectorId == 0 {
		return ocpp16.ReservationStatusRejected
	}
	if c.IsFaulted() {
		return ocpp16.ReservationStatusFaulted
	}
	if !c.IsOperative() {
		return ocpp16.ReservationStatusUnavailable
	}
	if c.IsTransactionRunning() {
		return ocpp16.ReservationStatusOccupied
	}
	if existing := r.byConnector[req.ConnectorId]; existing != nil && existing.ReservationID != req.ReservationId {
		return ocpp16.ReservationStatusOccupied
	}

	resv := &Reservation{
		ReservationID: req.ReservationId,
		ConnectorID:   req.ConnectorId,
		IdTag:         req.IdTag,
		ExpiryDate:    req.ExpiryDate.Time,
	}
	if req.ParentIdTag != nil {
		resv.ParentIdTag = *req.ParentIdTag
	}
	r.byConnector[req.ConnectorId] = resv
	r.persist(resv)
	r.attach(resv)
	return ocpp16.ReservationStatusAccepted
}

// Cancel 按预约号取消，返回是否命中
func (r *Reservations) Cancel(reservationID int) bool {
	for connectorID, resv := range r.byConnector {
		if resv.ReservationID == reservationID {
			r.remove(connectorID)
			return true
		}
	}
	return false
}

// Get 连接器的当前预约
func (r *Reservations) Get(connectorID int) *Reservation {
	return r.byConnector[connectorID]
}

// Loop 过期清理
func (r *Reservations) Loop() {
	now, ok := r.clk.Now()
	if !ok {
		return
	}
	for connectorID, resv := range r.byConnector {
		if now.After(resv.ExpiryDate) {
			r.log.Infof("Reservation %d expired", resv.ReservationID)
			r.remove(connectorID)
		}
	}
}

// attach 把预约投影到连接器
func (r *Reservations) attach(resv *Reservation) {
	c := r.txSvc.Connector(resv.ConnectorID)
	if c == nil {
		return
	}
	c.SetReservation(&session.ReservationView{
		ReservationID: resv.ReservationID,
		IdTag:         resv.IdTag,
		ParentIdTag:   resv.ParentIdTag,
	})
}

// remove 移除预约及其持久化记录
func (r *Reservations) remove(connectorID int) {
	delete(r.byConnector, connectorID)
	if c := r.txSvc.Connector(connectorID); c != nil {
		c.SetReservation(nil)
	}
	if err := r.fs.Remove(reservationFileName(connectorID)); err != nil {
		r.log.Debugf("No reservation record to remove for connector %d", connectorID)
	}
}

// persist 写入预约记录
func (r *Reservations) persist(resv *Reservation) {
	data, err := json.Marshal(resv)
	if err != nil {
		r.log.ErrorWithErr(err, "Failed to marshal reservation")
		return
	}
	if err := r.fs.Write(reservationFileName(resv.ConnectorID), data); err != nil {
		r.log.ErrorWithErr(err, "Failed to persist reservation")
	}
}

// restore 从磁盘恢复预约
func (r *Reservations) restore() {
	names, err := r.fs.List("reservation-")
	if err != nil {
		return
	}
	for _, name := range names {
		data, err := r.fs.Read(name)
		if err != nil {
			continue
		}
		var resv Reservation
		if err := json.Unmarshal(data, &resv); err != nil {
			r.log.Warnf("Discarding corrupt reservation %s: %v", name, err)
			r.fs.Remove(name)
			continue
		}
		r.byConnector[resv.ConnectorID] = &resv
		r.attach(&resv)
	}
}

// reservationFileName 预约记录文件名
func reservationFileName(connectorID int) string {
	return "reservation-" + strconv.Itoa(connectorID) + ".jsn"
}
