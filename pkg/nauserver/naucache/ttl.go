package naucache

import (
	"fmt"
	"time"
)

type TimeUnit string

const (
	Seconds TimeUnit = "SECONDS"
	Minutes TimeUnit = "MINUTES"
	Hours   TimeUnit = "HOURS"
	Days    TimeUnit = "DAYS"
)

type TTL struct {
	Value int      `json:"value"`
	Unit  TimeUnit `json:"unit"`
}

func (t TTL) Duration() (time.Duration, error) {
	if t.Value <= 0 {
		return 0, fmt.Errorf("TTL must be positive, got %d", t.Value)
	}

	switch t.Unit {
	case Seconds:
		return time.Duration(t.Value) * time.Second, nil
	case Minutes:
		return time.Duration(t.Value) * time.Minute, nil
	case Hours:
		return time.Duration(t.Value) * time.Hour, nil
	case Days:
		return time.Duration(t.Value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown TTL unit '%s'", t.Unit)
	}
}

func (t TTL) String() string {
	return fmt.Sprintf("%d %s", t.Value, t.Unit)
}
