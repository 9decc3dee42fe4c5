// Package iftbl implements the interface table (C2): one UDP socket per
// network interface, with a configured maximum and currently-available
// rate spec (spec.md §4.2).
package iftbl

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// RateSpec bounds a bit rate and packet rate, matching the teacher's
// style of a small value type threaded through every table (mirrors
// QuManager's nsPerByte/minDelta derivation in internal/sched).
type RateSpec struct {
	BitRate int // bits/sec
	PktRate int // packets/sec
}

// LessEq reports whether r is within bound (component-wise), used to
// enforce P4/P5 (sum of sub-rates never exceeds the parent rate).
func (r RateSpec) LessEq(bound RateSpec) bool {
	return r.BitRate <= bound.BitRate && r.PktRate <= bound.PktRate
}

func (r RateSpec) Add(o RateSpec) RateSpec {
	return RateSpec{BitRate: r.BitRate + o.BitRate, PktRate: r.PktRate + o.PktRate}
}

func (r RateSpec) Sub(o RateSpec) RateSpec {
	return RateSpec{BitRate: r.BitRate - o.BitRate, PktRate: r.PktRate - o.PktRate}
}

var (
	ErrInvalidIface = errors.New("iftbl: invalid interface number")
	ErrDuplicate    = errors.New("iftbl: interface already registered")
	ErrRateExceeded = errors.New("iftbl: requested rate exceeds interface capacity")
)

// Entry describes one configured interface.
type Entry struct {
	IfNum     int
	IP        net.IP
	Port      uint16
	Rates     RateSpec // configured maximum
	AvailRate RateSpec // currently unreserved capacity

	conn *net.UDPConn
}

// Table is the indexed, mutex-guarded collection of interfaces (§4.2).
type Table struct {
	mu      sync.RWMutex
	entries map[int]*Entry
}

func New() *Table {
	return &Table{entries: make(map[int]*Entry)}
}

// AddEntry registers interface ifnum, binding a UDP socket to ip:port.
// Socket buffer sizing uses SO_RCVBUF/SO_SNDBUF and SO_REUSEADDR is set
// before bind so a router can be restarted without waiting out TIME_WAIT,
// matching common router-daemon practice.
func (t *Table) AddEntry(ifnum int, ip net.IP, port uint16, rates RateSpec) (*Entry, error) {
	if ifnum <= 0 {
		return nil, ErrInvalidIface
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[ifnum]; exists {
		return nil, ErrDuplicate
	}

	conn, err := bindUDP(ip, port)
	if err != nil {
		return nil, fmt.Errorf("iftbl: bind %s:%d: %w", ip, port, err)
	}

	e := &Entry{
		IfNum:     ifnum,
		IP:        ip,
		Port:      port,
		Rates:     rates,
		AvailRate: rates,
		conn:      conn,
	}
	t.entries[ifnum] = e
	return e, nil
}

// AddEntryWithConn registers interface ifnum around an already-bound UDP
// socket, for the remote-mode boot handshake: the boot socket (§4.8)
// keeps the address the network manager already knows instead of
// rebinding a fresh one.
func (t *Table) AddEntryWithConn(ifnum int, conn *net.UDPConn, ip net.IP, port uint16, rates RateSpec) (*Entry, error) {
	if ifnum <= 0 {
		return nil, ErrInvalidIface
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[ifnum]; exists {
		return nil, ErrDuplicate
	}
	e := &Entry{
		IfNum:     ifnum,
		IP:        ip,
		Port:      port,
		Rates:     rates,
		AvailRate: rates,
		conn:      conn,
	}
	t.entries[ifnum] = e
	return e, nil
}

func bindUDP(ip net.IP, port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20); err != nil {
					setErr = err
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20); err != nil {
					setErr = err
				}
			})
			return setErr
		},
	}
	pc, err := lc.ListenPacket(nil, "udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.New("iftbl: not a UDP connection")
	}
	return conn, nil
}

// Get returns the entry for ifnum, or nil if not registered.
func (t *Table) Get(ifnum int) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[ifnum]
}

// Conn returns the UDP socket bound for ifnum, or nil.
func (t *Table) Conn(ifnum int) *net.UDPConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[ifnum]
	if !ok {
		return nil
	}
	return e.conn
}

// Reserve attempts to carve `want` out of ifnum's available rate (P5:
// sum over links on an interface must not exceed the interface rate).
// Returns ErrRateExceeded if insufficient capacity remains.
func (t *Table) Reserve(ifnum int, want RateSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ifnum]
	if !ok {
		return ErrInvalidIface
	}
	if !want.LessEq(e.AvailRate) {
		return ErrRateExceeded
	}
	e.AvailRate = e.AvailRate.Sub(want)
	return nil
}

// Release returns previously-reserved rate back to ifnum's available pool.
func (t *Table) Release(ifnum int, amount RateSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ifnum]; ok {
		e.AvailRate = e.AvailRate.Add(amount)
	}
}

// RemoveEntry closes the socket and removes ifnum.
func (t *Table) RemoveEntry(ifnum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ifnum]
	if !ok {
		return ErrInvalidIface
	}
	if e.conn != nil {
		e.conn.Close()
	}
	delete(t.entries, ifnum)
	return nil
}

// All returns a snapshot slice of every registered entry.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
