package smartcharging

import (
	"math"
	"time"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
)

// ChargeRate 瞬时充电速率限制
//
// 未受限的分量为+Inf，NPhases为0表示不限相数。
type ChargeRate struct {
	Power   float64
	Current float64
	NPhases int
}

// Unlimited 无限制速率
func Unlimited() ChargeRate {
	return ChargeRate{Power: math.Inf(1), Current: math.Inf(1), NPhases: 3}
}

// Min 分量取最小的组合算子
func (r ChargeRate) Min(o ChargeRate) ChargeRate {
	out := r
	if o.Power < out.Power {
		out.Power = o.Power
	}
	if o.Current < out.Current {
		out.Current = o.Current
	}
	if o.NPhases > 0 && (out.NPhases == 0 || o.NPhases < out.NPhases) {
		out.NPhases = o.NPhases
	}
	return out
}

// Equal 分量相等比较
func (r ChargeRate) Equal(o ChargeRate) bool {
	return r.Power == o.Power && r.Current == o.Current && r.NPhases == o.NPhases
}

// periodLimit 单个计划时段的输出
type periodLimit struct {
	limit   float64
	nphases int
}

// scheduleResult 一次计划求值结果
type scheduleResult struct {
	defined    bool
	rate       ChargeRate
	nextChange time.Time // 零值表示无已知边界
}

// evaluateProfile 求单个配置文件在时刻t的限制
//
// startOfCharging为Relative类型的时间轴原点；未知时Relative
// 计划不定义限制。
func evaluateProfile(p *ocpp16.ChargingProfile, t time.Time, startOfCharging *time.Time) scheduleResult {
	var res scheduleResult

	// 有效期过滤，单边缺失按无界处理
	if p.ValidFrom != nil && t.Before(p.ValidFrom.Time) {
		res.nextChange = p.ValidFrom.Time
		return res
	}
	if p.ValidTo != nil && !t.Before(p.ValidTo.Time) {
		return res
	}

	origin, originOK := scheduleOrigin(p, t, startOfCharging)
	if !originOK {
		return res
	}

	schedule := &p.ChargingSchedule
	elapsed := int(t.Sub(origin) / time.Second)
	if elapsed < 0 {
		res.nextChange = origin
		return res
	}
	if schedule.Duration != nil && elapsed >= *schedule.Duration {
		if p.ChargingProfileKind == ocpp16.ChargingProfileKindRecurring {
			res.nextChange = nextRecurrence(p, origin)
		}
		return res
	}

	// 最大的startPeriod ≤ elapsed
	pl, next, found := periodAt(schedule, elapsed)
	if !found {
		if len(schedule.ChargingSchedulePeriod) > 0 {
			res.nextChange = origin.Add(time.Duration(schedule.ChargingSchedulePeriod[0].StartPeriod) * time.Second)
		}
		return res
	}

	res.defined = true
	res.rate = rateFromLimit(schedule.ChargingRateUnit, pl)

	// 下一变化点：下一时段、duration、validTo与递归边界中的最早者
	var boundaries []time.Time
	if next >= 0 {
		boundaries = append(boundaries, origin.Add(time.Duration(next)*time.Second))
	}
	if schedule.Duration != nil {
		boundaries = append(boundaries, origin.Add(time.Duration(*schedule.Duration)*time.Second))
	}
	if p.ValidTo != nil {
		boundaries = append(boundaries, p.ValidTo.Time)
	}
	if p.ChargingProfileKind == ocpp16.ChargingProfileKindRecurring {
		boundaries = append(boundaries, nextRecurrence(p, origin))
	}
	res.nextChange = earliest(boundaries)
	return res
}

// scheduleOrigin 计划时间轴原点
func scheduleOrigin(p *ocpp16.ChargingProfile, t time.Time, startOfCharging *time.Time) (time.Time, bool) {
	switch p.ChargingProfileKind {
	case ocpp16.ChargingProfileKindAbsolute:
		if p.ChargingSchedule.StartSchedule != nil {
			return p.ChargingSchedule.StartSchedule.Time, true
		}
		if startOfCharging != nil {
			return *startOfCharging, true
		}
		return time.Time{}, false

	case ocpp16.ChargingProfileKindRecurring:
		if p.ChargingSchedule.StartSchedule == nil {
			return time.Time{}, false
		}
		base := p.ChargingSchedule.StartSchedule.Time
		period := recurrencyPeriod(p)
		if period <= 0 {
			return time.Time{}, false
		}
		if t.Before(base) {
			// 首次生效前无原点，但base本身是边界
			return base, true
		}
		n := t.Sub(base) / period
		return base.Add(n * period), true

	case ocpp16.ChargingProfileKindRelative:
		if startOfCharging == nil {
			return time.Time{}, false
		}
		return *startOfCharging, true
	}
	return time.Time{}, false
}

// recurrencyPeriod 重复周期时长
func recurrencyPeriod(p *ocpp16.ChargingProfile) time.Duration {
	if p.RecurrencyKind == nil {
		return 0
	}
	switch *p.RecurrencyKind {
	case ocpp16.RecurrencyKindDaily:
		return 24 * time.Hour
	case ocpp16.RecurrencyKindWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// nextRecurrence 下一次重复边界
func nextRecurrence(p *ocpp16.ChargingProfile, origin time.Time) time.Time {
	period := recurrencyPeriod(p)
	if period <= 0 {
		return time.Time{}
	}
	return origin.Add(period)
}

// periodAt 查找elapsed秒所处的时段与下一时段起点
//
// next为-1表示没有更晚的时段。
func periodAt(schedule *ocpp16.ChargingSchedule, elapsed int) (periodLimit, int, bool) {
	var pl periodLimit
	found := false
	next := -1
	for _, period := range schedule.ChargingSchedulePeriod {
		if period.StartPeriod <= elapsed {
			pl.limit = period.Limit
			pl.nphases = 3
			if period.NumberPhases != nil {
				pl.nphases = *period.NumberPhases
			}
			found = true
		} else {
			next = period.StartPeriod
			break
		}
	}
	return pl, next, found
}

// rateFromLimit 按计划单位生成速率
func rateFromLimit(unit ocpp16.ChargingRateUnit, pl periodLimit) ChargeRate {
	rate := Unlimited()
	rate.NPhases = pl.nphases
	switch unit {
	case ocpp16.ChargingRateUnitA:
		rate.Current = pl.limit
	default:
		rate.Power = pl.limit
	}
	return rate
}

// earliest 非零时间中的最早者
func earliest(times []time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}
