package app

import (
	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
)

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	CloseConn
)

// Policy decides what happens to a connection whose outbound queue is full.
// Consulted by the relay and the presence broadcaster; the frame in flight
// is already lost either way.
type Policy interface {
	OnBackpressure(id domain.UserID, conn core.SignalConnection) BackpressureAction
}

// DropPolicy tolerates slow consumers: the frame is dropped, the
// connection stays.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.UserID, core.SignalConnection) BackpressureAction {
	return DropFrame
}

// DisconnectPolicy closes slow consumers. A client that cannot drain its
// queue reconnects and starts from a fresh snapshot.
type DisconnectPolicy struct{}

func (DisconnectPolicy) OnBackpressure(domain.UserID, core.SignalConnection) BackpressureAction {
	return CloseConn
}
