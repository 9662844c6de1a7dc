package naulibrary

import (
	"context"
	"sync"

	"github.com/function61/nauha/pkg/tapedevice"
)

// one arm. moves are serialized by the ownership token
type Robot struct {
	ID     string
	Device *tapedevice.Robot
	token  chan struct{}
}

func newRobot(device *tapedevice.Robot) *Robot {
	return &Robot{
		ID:     device.ID(),
		Device: device,
		token:  make(chan struct{}, 1),
	}
}

// blocks until no one else is moving cartridges with this robot
func (r *Robot) Acquire(ctx context.Context) (*RobotLease, error) {
	select {
	case r.token <- struct{}{}:
		return &RobotLease{Robot: r}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type RobotLease struct {
	Robot *Robot
	once  sync.Once
}

// safe to call many times, so "defer lease.Release()" and early release can coexist
func (l *RobotLease) Release() {
	l.once.Do(func() {
		<-l.Robot.token
	})
}
