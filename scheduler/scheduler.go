// Package scheduler расписания нагрузки: когда отправить n-й вызов
// относительно начала теста.
package scheduler

import (
	"errors"
	"math"
	"time"
)

var ErrBadRate = errors.New("rate must be positive")

type Scheduler interface {
	// Next смещение n-го вызова от начала. ok == false - вызовы кончились.
	Next(n int64) (at time.Duration, ok bool)
}

// CountLimiter ограничивает число вызовов вложенного расписания.
type CountLimiter struct {
	s     Scheduler
	limit int64
}

func NewCountLimiter(s Scheduler, limit int64) CountLimiter {
	return CountLimiter{s, limit}
}

func (cl CountLimiter) Next(n int64) (time.Duration, bool) {
	if n >= cl.limit {
		return 0, false
	}
	return cl.s.Next(n)
}

// Constant постоянный rps.
type Constant struct {
	interval time.Duration
}

func NewConstant(rps uint64) (Constant, error) {
	if rps == 0 {
		return Constant{}, ErrBadRate
	}
	return Constant{time.Second / time.Duration(rps)}, nil
}

func (c Constant) Next(n int64) (time.Duration, bool) {
	return time.Duration(n) * c.interval, true
}

// Unlimited все вызовы сразу, темп задает только число воркеров.
type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) {
	return 0, true
}

// Line rps растет линейно от from до to за d. Смещение n-го вызова
// решение квадратного уравнения a*t^2/2 + b*t = n.
type Line struct {
	b       float64
	twoA    float64
	bSquare float64
	nsDivA  float64
}

func NewLine(from, to float64, d time.Duration) (Line, error) {
	if from < 0 || to < 0 || from == to || d <= 0 {
		return Line{}, ErrBadRate
	}
	a := (to - from) / d.Seconds()
	return Line{
		b:       from,
		twoA:    2 * a,
		bSquare: from * from,
		nsDivA:  1e9 / a,
	}, nil
}

func (l Line) Next(n int64) (time.Duration, bool) {
	d := l.twoA*float64(n) + l.bSquare
	if d < 0 {
		// убывающий rps дошел до нуля
		return 0, false
	}
	return time.Duration((math.Sqrt(d) - l.b) * l.nsDivA), true
}
