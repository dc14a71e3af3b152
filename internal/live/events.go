package live

import (
	"github.com/ent0n29/accountant/internal/capture"
	"github.com/ent0n29/accountant/internal/transport"
)

// event is everything the machine loop reacts to.
type event interface {
	liveEvent()
}

type startRequest struct {
	reply chan error
}

type stopRequest struct {
	reply chan struct{}
}

// connectResult carries the outcome of acquire+dial for session generation gen.
type connectResult struct {
	gen     uint64
	stream  capture.Stream
	channel transport.Channel
	err     error
}

type channelEvent struct {
	gen uint64
	ev  transport.Event
}

type captureEnded struct {
	gen uint64
}

type dispatchFailed struct {
	err error
}

func (startRequest) liveEvent()   {}
func (stopRequest) liveEvent()    {}
func (connectResult) liveEvent()  {}
func (channelEvent) liveEvent()   {}
func (captureEnded) liveEvent()   {}
func (dispatchFailed) liveEvent() {}
