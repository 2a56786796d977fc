// Package availability composes the Operative/Inoperative state of each
// connector from persisted ChangeAvailability decisions and blends Reserved
// status through the reservation store.
package availability

import (
	"strconv"

	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/session"
)

// Service 可用性服务
//
// ChangeAvailability的结果持久化在client-state容器中，重启后
// 保持。交易进行中的Inoperative请求延迟到交易结束后生效。
type Service struct {
	txSvc *session.Service
	log   *logger.Logger

	operative []*configstore.Config[bool]
	scheduled []bool
}

// NewService 创建可用性服务并恢复持久化的可用性状态
func NewService(txSvc *session.Service, cfg *configstore.Store, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}

	s := &Service{
		txSvc:     txSvc,
		log:       log.Component("availability"),
		scheduled: make([]bool, txSvc.ConnectorCount()+1),
	}

	for id := 0; id <= txSvc.ConnectorCount(); id++ {
		handle, err := configstore.Declare(cfg, "AvailabilityBool_"+strconv.Itoa(id), true,
			configstore.InContainer(configstore.StateContainer))
		if err != nil {
			return nil, err
		}
		s.operative = append(s.operative, handle)
		if !handle.Get() {
			txSvc.Connector(id).SetInoperative(true)
		}
	}
	return s, nil
}

// IsOperative 连接器是否可运营
func (s *Service) IsOperative(connectorID int) bool {
	c := s.txSvc.Connector(connectorID)
	return c != nil && c.IsOperative()
}

// ChangeAvailability 应用一次ChangeAvailability
//
// 目标连接器0作用于整桩。交易进行中的Inoperative返回
// Scheduled并在交易结束后生效。
func (s *Service) ChangeAvailability(connectorID int, operative bool) ocpp16.AvailabilityStatus {
	if connectorID < 0 || connectorID >= len(s.operative) {
		return ocpp16.AvailabilityStatusRejected
	}

	ids := []int{connectorID}
	if connectorID == 0 {
		for id := 1; id <= s.txSvc.ConnectorCount(); id++ {
			ids = append(ids, id)
		}
	}

	status := ocpp16.AvailabilityStatusAccepted
	for _, id := range ids {
		c := s.txSvc.Connector(id)
		if !operative && c.IsTransactionRunning() {
			s.scheduled[id] = true
			status = ocpp16.AvailabilityStatusScheduled
			continue
		}
		s.apply(id, operative)
	}
	return status
}

// apply 落实可用性变更
func (s *Service) apply(connectorID int, operative bool) {
	s.operative[connectorID].Set(operative)
	s.txSvc.Connector(connectorID).SetInoperative(!operative)
	s.log.Infof("Connector %d set %s", connectorID, map[bool]string{true: "operative", false: "inoperative"}[operative])
}

// Loop 落实延迟的Inoperative请求
func (s *Service) Loop() {
	for id := range s.scheduled {
		if !s.scheduled[id] {
			continue
		}
		if s.txSvc.Connector(id).IsTransactionRunning() {
			continue
		}
		s.scheduled[id] = false
		s.apply(id, false)
	}
}
