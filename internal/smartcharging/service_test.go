package smartcharging

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/clock"
	"github.com/charging-platform/charge-point-client/internal/configstore"
	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
)

func intPtr(v int) *int { return &v }

func dt(t time.Time) *ocpp16.DateTime {
	d := ocpp16.NewDateTime(t)
	return &d
}

// newTestService 组装测试服务
func newTestService(t *testing.T, fs filestore.Store) *Service {
	t.Helper()
	if fs == nil {
		fs = filestore.NewMem()
	}
	clk := clock.New(func() int64 { return 0 })
	clk.SetTime(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	cfg := configstore.New(fs, nil)
	s, err := NewService(fs, clk, cfg, 2, nil)
	require.NoError(t, err)
	return s
}

// absoluteProfile 构造简单Absolute配置文件
func absoluteProfile(id, stackLevel int, purpose ocpp16.ChargingProfilePurpose, start time.Time, limit float64) *ocpp16.ChargingProfile {
	return &ocpp16.ChargingProfile{
		ChargingProfileId:      id,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: purpose,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			StartSchedule:    dt(start),
			ChargingRateUnit: ocpp16.ChargingRateUnitW,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: limit},
			},
		},
	}
}

func TestChargeRate_Min(t *testing.T) {
	a := ChargeRate{Power: 11000, Current: math.Inf(1), NPhases: 3}
	b := ChargeRate{Power: math.Inf(1), Current: 16, NPhases: 1}

	min := a.Min(b)
	assert.Equal(t, 11000.0, min.Power)
	assert.Equal(t, 16.0, min.Current)
	assert.Equal(t, 1, min.NPhases)
}

func TestEvaluate_AbsoluteSchedule(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	p := absoluteProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 11000)
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 11000},
		{StartPeriod: 3600, Limit: 5000},
	}
	require.NoError(t, s.SetProfile(1, p))

	rate, next := s.Evaluate(1, start.Add(10*time.Minute))
	assert.Equal(t, 11000.0, rate.Power)
	assert.Equal(t, start.Add(time.Hour), next)

	rate, _ = s.Evaluate(1, start.Add(2*time.Hour))
	assert.Equal(t, 5000.0, rate.Power)
}

func TestEvaluate_RecurringDaily(t *testing.T) {
	s := newTestService(t, nil)
	base := time.Date(2023, 6, 1, 8, 0, 0, 0, time.UTC)

	p := absoluteProfile(2, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, base, 6000)
	p.ChargingProfileKind = ocpp16.ChargingProfileKindRecurring
	kind := ocpp16.RecurrencyKindDaily
	p.RecurrencyKind = &kind
	duration := 4 * 3600
	p.ChargingSchedule.Duration = &duration
	require.NoError(t, s.SetProfile(1, p))

	// 三天后的计划窗口内
	rate, _ := s.Evaluate(1, base.AddDate(0, 0, 3).Add(time.Hour))
	assert.Equal(t, 6000.0, rate.Power)

	// 窗口外无限制
	rate, _ = s.Evaluate(1, base.AddDate(0, 0, 3).Add(6*time.Hour))
	assert.True(t, math.IsInf(rate.Power, 1))
}

func TestEvaluate_RelativeNeedsStartOfCharging(t *testing.T) {
	s := newTestService(t, nil)

	p := absoluteProfile(3, 0, ocpp16.ChargingProfilePurposeTxProfile, time.Time{}, 7000)
	p.ChargingProfileKind = ocpp16.ChargingProfileKindRelative
	p.ChargingSchedule.StartSchedule = nil
	require.NoError(t, s.SetProfile(1, p))

	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	// 充电起点未知时限制未定义
	rate, _ := s.Evaluate(1, now)
	assert.True(t, math.IsInf(rate.Power, 1))

	start := now.Add(-30 * time.Minute)
	s.SetTxInfo(func(connectorID int) (*time.Time, int) {
		return &start, 0
	})
	rate, _ = s.Evaluate(1, now)
	assert.Equal(t, 7000.0, rate.Power)
}

func TestEvaluate_StackLevelPrecedence(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProfile(1, absoluteProfile(4, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 10000)))
	require.NoError(t, s.SetProfile(1, absoluteProfile(5, 3, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 4000)))

	rate, _ := s.Evaluate(1, start.Add(time.Minute))
	assert.Equal(t, 4000.0, rate.Power)
}

func TestEvaluate_PurposeComposition(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	// ChargePointMax封顶一切
	require.NoError(t, s.SetProfile(0, absoluteProfile(6, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, start, 8000)))
	require.NoError(t, s.SetProfile(1, absoluteProfile(7, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 22000)))

	rate, _ := s.Evaluate(1, start.Add(time.Minute))
	assert.Equal(t, 8000.0, rate.Power)

	// TxProfile压过TxDefault
	require.NoError(t, s.SetProfile(1, absoluteProfile(8, 0, ocpp16.ChargingProfilePurposeTxProfile, start, 3000)))
	rate, _ = s.Evaluate(1, start.Add(time.Minute))
	assert.Equal(t, 3000.0, rate.Power)
}

// P3: 追加等级不高于现有的配置文件后组合限制单调不增
func TestEvaluate_MonotoneUnderInstall(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	at := start.Add(time.Minute)

	require.NoError(t, s.SetProfile(1, absoluteProfile(9, 2, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 9000)))
	before, _ := s.Evaluate(1, at)

	require.NoError(t, s.SetProfile(0, absoluteProfile(10, 1, ocpp16.ChargingProfilePurposeChargePointMaxProfile, start, 6500)))
	after, _ := s.Evaluate(1, at)

	assert.LessOrEqual(t, after.Power, before.Power)
}

// R1: 持久化往返后在采样网格上语义等价
func TestProfile_PersistRoundTrip(t *testing.T) {
	fs := filestore.NewMem()
	s := newTestService(t, fs)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	p := absoluteProfile(11, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 11000)
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 11000, NumberPhases: intPtr(3)},
		{StartPeriod: 1800, Limit: 7400, NumberPhases: intPtr(1)},
		{StartPeriod: 7200, Limit: 3700},
	}
	duration := 4 * 3600
	p.ChargingSchedule.Duration = &duration
	require.NoError(t, s.SetProfile(1, p))

	names, _ := fs.List("sc-")
	require.Equal(t, []string{"sc-1-1.jsn"}, names)

	restored := newTestService(t, fs)
	require.Equal(t, 1, restored.ProfileCount())

	for _, offset := range []time.Duration{0, 15 * time.Minute, time.Hour, 3 * time.Hour, 5 * time.Hour} {
		at := start.Add(offset)
		wantRate, wantNext := s.Evaluate(1, at)
		gotRate, gotNext := restored.Evaluate(1, at)
		assert.True(t, wantRate.Equal(gotRate), "rate mismatch at %v", offset)
		assert.True(t, wantNext.Equal(gotNext), "next-change mismatch at %v", offset)
	}
}

func TestRestore_DropsCorruptProfile(t *testing.T) {
	fs := filestore.NewMem()
	require.NoError(t, fs.Write("sc-1-0.jsn", []byte(`not json`)))

	s := newTestService(t, fs)
	assert.Zero(t, s.ProfileCount())
	names, _ := fs.List("sc-")
	assert.Empty(t, names)
}

func TestClearProfiles(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetProfile(1, absoluteProfile(20, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 1000)))
	require.NoError(t, s.SetProfile(1, absoluteProfile(21, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 2000)))

	// 按id清除
	assert.Equal(t, 1, s.ClearProfiles(ClearFilter{ID: intPtr(20)}))
	// 按连接器清除
	assert.Equal(t, 1, s.ClearProfiles(ClearFilter{ConnectorID: intPtr(1)}))
	assert.Zero(t, s.ProfileCount())
}

func TestSetProfile_Validation(t *testing.T) {
	s := newTestService(t, nil)
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	// 栈层越界
	p := absoluteProfile(30, 99, ocpp16.ChargingProfilePurposeTxDefaultProfile, start, 1000)
	assert.Error(t, s.SetProfile(1, p))

	// ChargePointMax仅限0号连接器
	p = absoluteProfile(31, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, start, 1000)
	assert.Error(t, s.SetProfile(1, p))
}

func TestCompositeSchedule(t *testing.T) {
	s := newTestService(t, nil)
	now, _ := s.clk.Now()

	p := absoluteProfile(40, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, now.Add(-time.Hour), 9200)
	require.NoError(t, s.SetProfile(1, p))

	schedule := s.CompositeSchedule(1, 3600, ocpp16.ChargingRateUnitW)
	require.NotNil(t, schedule)
	require.NotEmpty(t, schedule.ChargingSchedulePeriod)
	assert.Equal(t, 9200.0, schedule.ChargingSchedulePeriod[0].Limit)
}
