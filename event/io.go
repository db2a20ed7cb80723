package event

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Direction is the readiness direction an IO Condition watches.
type Direction int

const (
	Read Direction = iota
	Write
)

type ioKey struct {
	fd  int
	dir Direction
}

// IOManager maps (fd, direction) pairs to shared IO Conditions and
// refreshes all of them with a single poll(2) call per tick, matching
// §4.4: multiple Actions may reference the same IO Condition.
type IOManager struct {
	conds map[ioKey]*Condition
}

// NewIOManager creates an empty IO condition manager.
func NewIOManager() *IOManager {
	return &IOManager{conds: make(map[ioKey]*Condition)}
}

// CanRead returns the shared readability Condition for fd.
func (m *IOManager) CanRead(fd int) *Condition { return m.get(fd, Read) }

// CanWrite returns the shared writability Condition for fd.
func (m *IOManager) CanWrite(fd int) *Condition { return m.get(fd, Write) }

func (m *IOManager) get(fd int, dir Direction) *Condition {
	key := ioKey{fd: fd, dir: dir}
	cond, ok := m.conds[key]
	if !ok {
		cond = newIOCondition(fmt.Sprintf("io(fd=%d,dir=%d)", fd, dir))
		m.conds[key] = cond
	}
	return cond
}

// Release drops both directions' Conditions for fd. Callers must do
// this when a socket/fd closes, or the next Prepare will poll a dead
// descriptor.
func (m *IOManager) Release(fd int) {
	delete(m.conds, ioKey{fd: fd, dir: Read})
	delete(m.conds, ioKey{fd: fd, dir: Write})
}

// Prepare issues a single poll(2) over every registered fd, blocking up
// to budget, and updates every owned Condition's value from the result.
func (m *IOManager) Prepare(budget time.Duration) error {
	if len(m.conds) == 0 {
		if budget > 0 {
			time.Sleep(budget)
		}
		return nil
	}

	fdIndex := make(map[int]int, len(m.conds))
	pollFds := make([]unix.PollFd, 0, len(m.conds))
	for key := range m.conds {
		idx, ok := fdIndex[key.fd]
		if !ok {
			pollFds = append(pollFds, unix.PollFd{Fd: int32(key.fd)})
			idx = len(pollFds) - 1
			fdIndex[key.fd] = idx
		}
		if key.dir == Read {
			pollFds[idx].Events |= unix.POLLIN
		} else {
			pollFds[idx].Events |= unix.POLLOUT
		}
	}

	timeoutMs := int(budget / time.Millisecond)
	if timeoutMs <= 0 {
		timeoutMs = 1
	}
	_, err := unix.Poll(pollFds, timeoutMs)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("poll: %w", err)
	}

	for key, cond := range m.conds {
		pfd := pollFds[fdIndex[key.fd]]
		var ready bool
		if key.dir == Read {
			ready = pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		} else {
			ready = pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0
		}
		cond.setValue(ready)
	}
	return nil
}
