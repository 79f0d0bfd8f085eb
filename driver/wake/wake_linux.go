//go:build linux

package wake

import (
	"fmt"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"example.com/frame-clock/base/mono"
)

// TimerFDSource delivers wakeups from a timerfd armed with absolute
// CLOCK_MONOTONIC deadlines.
type TimerFDSource struct {
	log     *zap.Logger
	fd      int
	closeR  int
	closeW  int
	wakeups chan mono.Time
}

var _ Source = (*TimerFDSource)(nil)

func NewTimerFDSource(log *zap.Logger) (*TimerFDSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unix.TimerfdCreate failed: %w", err)
	}
	var p [2]int
	err = unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("unix.Pipe2 failed: %w", err)
	}
	s := &TimerFDSource{
		log:     log,
		fd:      fd,
		closeR:  p[0],
		closeW:  p[1],
		wakeups: make(chan mono.Time, 1),
	}
	go s.run()
	return s, nil
}

func (s *TimerFDSource) Arm(t mono.Time) {
	ts := unix.NsecToTimespec(int64(t))
	err := unix.TimerfdSettime(s.fd, unix.TFD_TIMER_ABSTIME,
		&unix.ItimerSpec{Value: ts}, nil /* oldValue */)
	if err != nil {
		s.log.Warn("unix.TimerfdSettime failed", zap.Error(err))
	}
}

func (s *TimerFDSource) Disarm() {
	err := unix.TimerfdSettime(s.fd, 0, &unix.ItimerSpec{}, nil /* oldValue */)
	if err != nil {
		s.log.Warn("unix.TimerfdSettime failed", zap.Error(err))
	}
}

func (s *TimerFDSource) Wakeups() <-chan mono.Time {
	return s.wakeups
}

func (s *TimerFDSource) Close() error {
	_, err := unix.Write(s.closeW, []byte{0})
	return err
}

func (s *TimerFDSource) run() {
	defer func() {
		_ = unix.Close(s.fd)
		_ = unix.Close(s.closeR)
		_ = unix.Close(s.closeW)
	}()
	if s.fd > int(^uint32(0)>>1) || s.closeR > int(^uint32(0)>>1) {
		s.log.Error("file descriptor out of range for poll")
		return
	}
	pollFds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.closeR), Events: unix.POLLIN},
	}
	var buf [8]byte
	for {
		_, err := unix.Poll(pollFds, -1 /* timeout */)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.log.Error("unix.Poll failed", zap.Error(err))
			return
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(s.fd, buf[:])
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			s.log.Error("timerfd read failed", zap.Error(err))
			return
		}
		if n != 8 {
			s.log.Warn("unexpected timerfd read length", zap.Int("n", n))
			continue
		}
		s.deliver(mono.System{}.Now())
	}
}

func (s *TimerFDSource) deliver(t mono.Time) {
	select {
	case s.wakeups <- t:
	default:
		// A wakeup is already pending; the consumer will observe the
		// latest deadline state when it gets around to it.
	}
}
