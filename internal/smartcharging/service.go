package smartcharging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
)

// DefaultNominalVoltage 单位换算用标称电压
const DefaultNominalVoltage = 230.0

// installedProfile 已安装的配置文件
type installedProfile struct {
	connectorID int
	profile     *ocpp16.ChargingProfile
}

// ClearFilter ClearChargingProfile的过滤条件
type ClearFilter struct {
	ID          *int
	ConnectorID *int
	Purpose     *ocpp16.ChargingProfilePurpose
	StackLevel  *int
}

// Service 智能充电服务
//
// 持有全部已安装的ChargingProfile，按目的与栈层组合出每个
// 连接器的瞬时限制，变化时回调硬件适配层。
type Service struct {
	fs  filestore.Store
	clk *clock.Clock
	log *logger.Logger

	nConnectors int
	voltage     float64
	profiles    []*installedProfile

	// txInfo 查询连接器当前交易的充电起点与transactionId
	txInfo func(connectorID int) (start *time.Time, transactionID int)

	maxProfiles   *configstore.Config[int]
	stackMax      *configstore.Config[int]
	periodsMax    *configstore.Config[int]
	allowedUnits  *configstore.Config[string]

	onPowerLimit   func(connectorID int, watts float64, nphases int)
	onCurrentLimit func(connectorID int, amps float64, nphases int)

	lastRate     map[int]ChargeRate
	lastRateSet  map[int]bool
	nextChangeAt map[int]time.Time
}

// NewService 创建智能充电服务并恢复持久化的配置文件
func NewService(fs filestore.Store, clk *clock.Clock, cfg *configstore.Store, nConnectors int, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}

	maxProfiles, err := configstore.Declare(cfg, "MaxChargingProfilesInstalled", 10, configstore.Readonly())
	if err != nil {
		return nil, err
	}
	stackMax, err := configstore.Declare(cfg, "ChargeProfileMaxStackLevel", 8, configstore.Readonly())
	if err != nil {
		return nil, err
	}
	periodsMax, err := configstore.Declare(cfg, "ChargingScheduleMaxPeriods", 24, configstore.Readonly())
	if err != nil {
		return nil, err
	}
	allowedUnits, err := configstore.Declare(cfg, "ChargingScheduleAllowedChargingRateUnit", "Current,Power", configstore.Readonly())
	if err != nil {
		return nil, err
	}

	s := &Service{
		fs:              fs,
		clk:             clk,
		log:             log.Component("smartcharging"),
		nConnectors:     nConnectors,
		voltage:         DefaultNominalVoltage,
		maxProfiles:     maxProfiles,
		stackMax:        stackMax,
		periodsMax:      periodsMax,
		allowedUnits:    allowedUnits,
		lastRate:        make(map[int]ChargeRate),
		lastRateSet:     make(map[int]bool),
		nextChangeAt:    make(map[int]time.Time),
	}
	s.restore()
	return s, nil
}

// SetNominalVoltage 设置单位换算用标称电压
func (s *Service) SetNominalVoltage(v float64) {
	if v > 0 {
		s.voltage = v
	}
}

// SetPowerLimitOutput 安装功率限制回调
func (s *Service) SetPowerLimitOutput(fn func(connectorID int, watts float64, nphases int)) {
	s.onPowerLimit = fn
}

// SetCurrentLimitOutput 安装电流限制回调
func (s *Service) SetCurrentLimitOutput(fn func(connectorID int, amps float64, nphases int)) {
	s.onCurrentLimit = fn
}

// SetTxInfo 安装交易信息查询挂钩
func (s *Service) SetTxInfo(fn func(connectorID int) (start *time.Time, transactionID int)) {
	s.txInfo = fn
}

// NotifyTxStart 充电开始，强制重新求值
func (s *Service) NotifyTxStart(connectorID int) {
	s.invalidate(connectorID)
}

// NotifyTxStop 充电结束，移除绑定的TxProfile
func (s *Service) NotifyTxStop(connectorID int) {
	kept := s.profiles[:0]
	for _, ip := range s.profiles {
		if ip.connectorID == connectorID && ip.profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
			s.removeFile(ip)
			continue
		}
		kept = append(kept, ip)
	}
	s.profiles = kept
	s.invalidate(connectorID)
}

// SetProfile 安装或替换一个配置文件
func (s *Service) SetProfile(connectorID int, p *ocpp16.ChargingProfile) error {
	if p.StackLevel < 0 || p.StackLevel > s.stackMax.Get() {
		return fmt.Errorf("stack level %d out of range", p.StackLevel)
	}
	if len(p.ChargingSchedule.ChargingSchedulePeriod) > s.periodsMax.Get() {
		return fmt.Errorf("too many schedule periods")
	}
	if !s.unitAllowed(p.ChargingSchedule.ChargingRateUnit) {
		return fmt.Errorf("charging rate unit %s not allowed", p.ChargingSchedule.ChargingRateUnit)
	}
	if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeChargePointMaxProfile && connectorID != 0 {
		return fmt.Errorf("ChargePointMaxProfile only valid on connector 0")
	}
	if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile && connectorID == 0 {
		return fmt.Errorf("TxProfile requires a connector")
	}

	// 同目的同栈层同连接器的旧文件被替换
	kept := s.profiles[:0]
	for _, ip := range s.profiles {
		if ip.connectorID == connectorID &&
			ip.profile.ChargingProfilePurpose == p.ChargingProfilePurpose &&
			ip.profile.StackLevel == p.StackLevel {
			s.removeFile(ip)
			continue
		}
		kept = append(kept, ip)
	}
	s.profiles = kept

	if len(s.profiles) >= s.maxProfiles.Get() {
		return fmt.Errorf("profile capacity %d exhausted", s.maxProfiles.Get())
	}

	ip := &installedProfile{connectorID: connectorID, profile: p}
	s.profiles = append(s.profiles, ip)
	if err := s.persist(ip); err != nil {
		s.log.ErrorWithErr(err, "Failed to persist charging profile")
	}
	s.invalidateAll()
	return nil
}

// ClearProfiles 按过滤条件移除配置文件，返回移除数量
func (s *Service) ClearProfiles(filter ClearFilter) int {
	removed := 0
	kept := s.profiles[:0]
	for _, ip := range s.profiles {
		if s.matches(ip, filter) {
			s.removeFile(ip)
			removed++
			continue
		}
		kept = append(kept, ip)
	}
	s.profiles = kept
	if removed > 0 {
		s.invalidateAll()
	}
	return removed
}

// matches 过滤条件匹配
func (s *Service) matches(ip *installedProfile, filter ClearFilter) bool {
	if filter.ID != nil {
		return ip.profile.ChargingProfileId == *filter.ID
	}
	if filter.ConnectorID != nil && ip.connectorID != *filter.ConnectorID {
		return false
	}
	if filter.Purpose != nil && ip.profile.ChargingProfilePurpose != *filter.Purpose {
		return false
	}
	if filter.StackLevel != nil && ip.profile.StackLevel != *filter.StackLevel {
		return false
	}
	return true
}

// ProfileCount 已安装数量
func (s *Service) ProfileCount() int {
	return len(s.profiles)
}

// Evaluate 组合出连接器在时刻t的限制与下一变化点
func (s *Service) Evaluate(connectorID int, t time.Time) (ChargeRate, time.Time) {
	rate := Unlimited()
	var boundaries []time.Time

	for _, purpose := range []ocpp16.ChargingProfilePurpose{
		ocpp16.ChargingProfilePurposeChargePointMaxProfile,
		ocpp16.ChargingProfilePurposeTxProfile,
		ocpp16.ChargingProfilePurposeTxDefaultProfile,
	} {
		res, defined := s.evaluatePurpose(connectorID, purpose, t)
		if !res.nextChange.IsZero() {
			boundaries = append(boundaries, res.nextChange)
		}
		if defined {
			rate = rate.Min(res.rate)
			// 每交易目的以TxProfile优先，命中后跳过TxDefault
			if purpose == ocpp16.ChargingProfilePurposeTxProfile {
				break
			}
		}
	}
	return rate, earliest(boundaries)
}

// evaluatePurpose 求某一目的下栈层最高的已定义限制
func (s *Service) evaluatePurpose(connectorID int, purpose ocpp16.ChargingProfilePurpose, t time.Time) (scheduleResult, bool) {
	var best scheduleResult
	bestLevel := -1
	var boundaries []time.Time

	var startOfCharging *time.Time
	activeTxID := 0
	if s.txInfo != nil {
		startOfCharging, activeTxID = s.txInfo(connectorID)
	}

	for _, ip := range s.profiles {
		p := ip.profile
		if p.ChargingProfilePurpose != purpose {
			continue
		}
		if !s.appliesTo(ip, connectorID) {
			continue
		}
		if purpose == ocpp16.ChargingProfilePurposeTxProfile && p.TransactionId != nil {
			if activeTxID != *p.TransactionId {
				continue
			}
		}
		res := evaluateProfile(p, t, startOfCharging)
		if !res.nextChange.IsZero() {
			boundaries = append(boundaries, res.nextChange)
		}
		if res.defined && p.StackLevel > bestLevel {
			best = res
			bestLevel = p.StackLevel
		}
	}

	best.nextChange = earliest(append(boundaries, best.nextChange))
	return best, bestLevel >= 0
}

// appliesTo 配置文件是否作用于连接器
func (s *Service) appliesTo(ip *installedProfile, connectorID int) bool {
	switch ip.profile.ChargingProfilePurpose {
	case ocpp16.ChargingProfilePurposeChargePointMaxProfile:
		return true
	default:
		return ip.connectorID == connectorID || ip.connectorID == 0
	}
}

// CompositeSchedule 未来duration秒的合成计划
func (s *Service) CompositeSchedule(connectorID int, duration int, unit ocpp16.ChargingRateUnit) *ocpp16.ChargingSchedule {
	now, ok := s.clk.Now()
	if !ok {
		return nil
	}
	horizon := now.Add(time.Duration(duration) * time.Second)

	schedule := &ocpp16.ChargingSchedule{
		Duration:         &duration,
		StartSchedule:    &ocpp16.DateTime{Time: now},
		ChargingRateUnit: unit,
	}

	t := now
	for len(schedule.ChargingSchedulePeriod) < s.periodsMax.Get() {
		rate, next := s.Evaluate(connectorID, t)
		limit := s.limitInUnit(rate, unit)
		nphases := rate.NPhases
		start := int(t.Sub(now) / time.Second)
		schedule.ChargingSchedulePeriod = append(schedule.ChargingSchedulePeriod, ocpp16.ChargingSchedulePeriod{
			StartPeriod:  start,
			Limit:        limit,
			NumberPhases: &nphases,
		})
		if next.IsZero() || !next.Before(horizon) {
			break
		}
		t = next
	}
	return schedule
}

// limitInUnit 速率在指定单位下的数值，无限时以极大值表示
func (s *Service) limitInUnit(rate ChargeRate, unit ocpp16.ChargingRateUnit) float64 {
	nphases := rate.NPhases
	if nphases <= 0 {
		nphases = 3
	}
	if unit == ocpp16.ChargingRateUnitA {
		amps := rate.Current
		if powerAmps := rate.Power / (s.voltage * float64(nphases)); powerAmps < amps {
			amps = powerAmps
		}
		if math.IsInf(amps, 1) {
			return 1e9
		}
		return amps
	}
	watts := rate.Power
	if currentWatts := rate.Current * s.voltage * float64(nphases); currentWatts < watts {
		watts = currentWatts
	}
	if math.IsInf(watts, 1) {
		return 1e9
	}
	return watts
}

// Loop 限制变化时发布新值
func (s *Service) Loop() {
	now, ok := s.clk.Now()
	if !ok {
		return
	}
	for c := 1; c <= s.nConnectors; c++ {
		if s.lastRateSet[c] {
			next := s.nextChangeAt[c]
			if next.IsZero() || now.Before(next) {
				continue
			}
		}
		rate, next := s.Evaluate(c, now)
		s.nextChangeAt[c] = next
		if s.lastRateSet[c] && rate.Equal(s.lastRate[c]) {
			continue
		}
		s.lastRate[c] = rate
		s.lastRateSet[c] = true
		s.publish(c, rate)
	}
}

// invalidate 强制下次Loop重新求值
func (s *Service) invalidate(connectorID int) {
	delete(s.lastRateSet, connectorID)
}

// invalidateAll 全部连接器重新求值
func (s *Service) invalidateAll() {
	s.lastRateSet = make(map[int]bool)
}

// publish 回调硬件适配层
//
// 单位归一：只有功率回调时安培限制按标称电压换算；两个回调
// 都存在时各发各的。
func (s *Service) publish(connectorID int, rate ChargeRate) {
	nphases := rate.NPhases
	if nphases <= 0 {
		nphases = 3
	}

	if s.onCurrentLimit != nil && !math.IsInf(rate.Current, 1) {
		s.onCurrentLimit(connectorID, rate.Current, nphases)
	}
	if s.onPowerLimit != nil {
		watts := rate.Power
		if math.IsInf(watts, 1) && !math.IsInf(rate.Current, 1) && s.onCurrentLimit == nil {
			watts = rate.Current * s.voltage * float64(nphases)
		}
		if !math.IsInf(watts, 1) {
			s.onPowerLimit(connectorID, watts, nphases)
			metrics.ChargingLimitWatts.WithLabelValues(strconv.Itoa(connectorID)).Set(watts)
		}
	}
}

// unitAllowed 单位是否被ChargingScheduleAllowedChargingRateUnit允许
func (s *Service) unitAllowed(unit ocpp16.ChargingRateUnit) bool {
	allowed := s.allowedUnits.Get()
	switch unit {
	case ocpp16.ChargingRateUnitA:
		return strings.Contains(allowed, "Current")
	case ocpp16.ChargingRateUnitW:
		return strings.Contains(allowed, "Power")
	}
	return false
}

// persist 写入sc-<connectorId>-<stackLevel>.jsn
func (s *Service) persist(ip *installedProfile) error {
	data, err := json.Marshal(ip.profile)
	if err != nil {
		return fmt.Errorf("failed to marshal charging profile: %w", err)
	}
	return s.fs.Write(profileFileName(ip.connectorID, ip.profile.StackLevel), data)
}

// removeFile 删除配置文件的持久化记录
func (s *Service) removeFile(ip *installedProfile) {
	name := profileFileName(ip.connectorID, ip.profile.StackLevel)
	if err := s.fs.Remove(name); err != nil {
		s.log.Debugf("No profile file to remove: %s", name)
	}
}

// restore 启动时恢复已安装的配置文件，丢弃损坏文件
func (s *Service) restore() {
	names, err := s.fs.List("sc-")
	if err != nil {
		return
	}
	for _, name := range names {
		data, err := s.fs.Read(name)
		if err != nil {
			continue
		}
		var p ocpp16.ChargingProfile
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warnf("Discarding corrupt charging profile %s: %v", name, err)
			s.fs.Remove(name)
			continue
		}
		connectorID, _, ok := parseProfileFileName(name)
		if !ok {
			s.fs.Remove(name)
			continue
		}
		s.profiles = append(s.profiles, &installedProfile{connectorID: connectorID, profile: &p})
	}
}

// profileFileName 配置文件的持久化文件名
func profileFileName(connectorID, stackLevel int) string {
	return "sc-" + strconv.Itoa(connectorID) + "-" + strconv.Itoa(stackLevel) + ".jsn"
}

// parseProfileFileName 解析sc-<c>-<level>.jsn
func parseProfileFileName(name string) (connectorID, stackLevel int, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "sc-"), ".jsn")
	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(parts[0])
	l, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, l, true
}
