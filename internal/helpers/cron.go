package helpers

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autobackup/internal/apperr"
)

// CronParser 标准5段cron：分 时 日 月 周
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := CronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, err, "无效的cron表达式 %q", expr)
	}
	return sched, nil
}

// NextRunAt 计算 from 之后的下一次执行时间
func NextRunAt(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// GetNextTimeByCronStr 返回从现在开始的 n 个执行时间，表达式无效时返回空
func GetNextTimeByCronStr(expr string, n int) []time.Time {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil
	}
	times := make([]time.Time, 0, n)
	t := time.Now()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		times = append(times, t)
	}
	return times
}
