package clock

import (
	"time"
)

// MinTime 有效墙钟时间下界，早于该时间视为时钟未同步
var MinTime = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// Source 单调毫秒时钟源
type Source func() int64

// realSource 基于进程启动时刻的真实单调时钟源
func realSource() Source {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Milliseconds()
	}
}

// Clock 单调时钟与墙钟的组合时间源
//
// 单调毫秒刻度驱动所有定时逻辑；墙钟仅用于报文时间戳和
// 充电计划求值。墙钟通过CSMS下发的currentTime同步，同步前
// 产生的时间戳以单调刻度记录，待同步后回溯重建。
type Clock struct {
	source    Source
	bootNr    uint16
	wallValid bool
	wallBase  time.Time
	monoAtSet int64
}

// Timestamp 可延迟解析的时间戳
//
// 墙钟有效时记录绝对时间，否则仅记录单调刻度与BootNr。
// BootNr不匹配的刻度在重启后失去原点，无法重建。
type Timestamp struct {
	Wall   time.Time `json:"wall,omitempty"`
	Mono   int64     `json:"mono,omitempty"`
	BootNr uint16    `json:"bootNr,omitempty"`
	Valid  bool      `json:"valid"`
}

// New 创建时钟，source为nil时使用真实单调时钟
func New(source Source) *Clock {
	if source == nil {
		source = realSource()
	}
	return &Clock{source: source}
}

// SetBootNr 设置当前启动序号，用于跨重启的刻度关联
func (c *Clock) SetBootNr(nr uint16) {
	c.bootNr = nr
}

// BootNr 当前启动序号
func (c *Clock) BootNr() uint16 {
	return c.bootNr
}

// NowMs 当前单调毫秒刻度
func (c *Clock) NowMs() int64 {
	return c.source()
}

// SetTime 以CSMS下发的当前时间同步墙钟
func (c *Clock) SetTime(t time.Time) {
	if t.Before(MinTime) {
		return
	}
	c.wallBase = t.UTC()
	c.monoAtSet = c.source()
	c.wallValid = true
}

// IsValid 墙钟是否已同步
func (c *Clock) IsValid() bool {
	return c.wallValid
}

// Now 当前墙钟时间；墙钟未同步时返回零值和false
func (c *Clock) Now() (time.Time, bool) {
	if !c.wallValid {
		return time.Time{}, false
	}
	return c.wallBase.Add(time.Duration(c.source()-c.monoAtSet) * time.Millisecond), true
}

// Stamp 捕获当前时刻
func (c *Clock) Stamp() Timestamp {
	if now, ok := c.Now(); ok {
		return Timestamp{Wall: now, Valid: true}
	}
	return Timestamp{Mono: c.source(), BootNr: c.bootNr}
}

// Resolve 将时间戳解析为绝对时间
//
// 已含绝对时间的直接返回；仅含单调刻度的按
// absolute = now - (monoNow - monoAtEvent) 重建，要求墙钟已
// 同步且刻度属于当前启动周期。
func (c *Clock) Resolve(ts Timestamp) (time.Time, bool) {
	if ts.Valid {
		return ts.Wall, true
	}
	if !c.wallValid || ts.BootNr != c.bootNr {
		return time.Time{}, false
	}
	now, _ := c.Now()
	return now.Add(-time.Duration(c.source()-ts.Mono) * time.Millisecond), true
}
