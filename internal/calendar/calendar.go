// Package calendar 提供纽约证券交易所的交易时段判断，
// 供订单引擎的开市闸门与计划任务调度使用。
package calendar

import "time"

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Calendar 回答"市场当前是否开盘 / 下次开盘在何时"。
type Calendar struct {
	loc *time.Location
}

// NewCalendar 创建以美东时间为基准的交易日历。
func NewCalendar() (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &Calendar{loc: loc}, nil
}

// IsOpen 判断时刻 t 市场是否处于常规交易时段（9:30–16:00 美东）。
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	if !c.IsTradingDay(local) {
		return false
	}

	open := time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, c.loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), closeHour, closeMinute, 0, 0, c.loc)
	return !local.Before(open) && local.Before(closeAt)
}

// IsTradingDay 判断 t 所在日期是否为交易日。
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isHoliday(local)
}

// NextOpen 返回 t 之后（含当日未开盘时段）的下一个开盘时刻。
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)

	day := local
	for i := 0; i < 370; i++ {
		open := time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, c.loc)
		if c.IsTradingDay(open) && local.Before(open) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	// 一年内必有交易日，不应到达这里。
	return time.Time{}
}

// NextTradingDay 返回严格晚于 t 所在日期的下一个交易日（当日零点，美东）。
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for i := 0; i < 370; i++ {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
	return time.Time{}
}

// Location 返回日历使用的时区。
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// isHoliday 覆盖NYSE全天休市日：固定日期节日含周末顺延，
// 以及按规则计算的浮动节日。不含提前收盘的半日。
func isHoliday(local time.Time) bool {
	y, m, d := local.Year(), local.Month(), local.Day()

	// 固定日期节日及其顺延观察日
	if observedMatch(local, time.January, 1) { // 元旦
		return true
	}
	if observedMatch(local, time.June, 19) && y >= 2022 { // Juneteenth
		return true
	}
	if observedMatch(local, time.July, 4) { // 独立日
		return true
	}
	if observedMatch(local, time.December, 25) { // 圣诞节
		return true
	}

	// 浮动节日
	switch {
	case m == time.January && local.Weekday() == time.Monday && weekOfMonth(d) == 3: // 马丁·路德·金日
		return true
	case m == time.February && local.Weekday() == time.Monday && weekOfMonth(d) == 3: // 总统日
		return true
	case m == time.May && local.Weekday() == time.Monday && d > 24: // 阵亡将士纪念日（5月最后一个周一）
		return true
	case m == time.September && local.Weekday() == time.Monday && weekOfMonth(d) == 1: // 劳动节
		return true
	case m == time.November && local.Weekday() == time.Thursday && weekOfMonth(d) == 4: // 感恩节
		return true
	}

	// 耶稣受难日：复活节前的周五
	if goodFriday(y).Equal(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		return true
	}

	return false
}

// observedMatch 判断 local 是否为给定固定节日或其观察日
// （周六节日提前到周五，周日节日顺延到周一）。
func observedMatch(local time.Time, month time.Month, day int) bool {
	y := local.Year()
	holiday := time.Date(y, month, day, 0, 0, 0, 0, local.Location())
	observed := holiday
	switch holiday.Weekday() {
	case time.Saturday:
		observed = holiday.AddDate(0, 0, -1)
	case time.Sunday:
		observed = holiday.AddDate(0, 0, 1)
	}
	return local.Month() == observed.Month() && local.Day() == observed.Day()
}

func weekOfMonth(day int) int {
	return (day-1)/7 + 1
}

// goodFriday 返回给定年份的耶稣受难日（UTC零点表示，仅比较年月日）。
func goodFriday(year int) time.Time {
	easter := easterSunday(year)
	return easter.AddDate(0, 0, -2)
}

// easterSunday 使用匿名格里高利算法计算复活节。
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
