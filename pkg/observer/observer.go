// Package observer defines hooks invoked around connection and request
// handling.
//
// Observers run synchronously on the connection goroutine and must not
// block. They cannot influence admission or the response.
package observer

import "time"

// ConnInfo describes an accepted connection.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	Accepted   time.Time
}

// RequestInfo describes one request on a connection.
type RequestInfo struct {
	ConnectionID string
	Seq          uint64 // 1-based position on the connection
	Method       string
	Path         string
	RemoteAddr   string
	Start        time.Time     // when the request was read
	Waited       time.Duration // time spent waiting for admission
}

// Observer receives connection and request events.
type Observer interface {
	ConnectionAccepted(ConnInfo)
	RequestAdmitted(RequestInfo)
	RequestCompleted(req RequestInfo, status int, bytes int64, dur time.Duration)
}

// Nop ignores every event.
type Nop struct{}

func (Nop) ConnectionAccepted(ConnInfo)                              {}
func (Nop) RequestAdmitted(RequestInfo)                             {}
func (Nop) RequestCompleted(RequestInfo, int, int64, time.Duration) {}

type multi []Observer

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	out := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

func (m multi) ConnectionAccepted(c ConnInfo) {
	for _, o := range m {
		o.ConnectionAccepted(c)
	}
}

func (m multi) RequestAdmitted(r RequestInfo) {
	for _, o := range m {
		o.RequestAdmitted(r)
	}
}

func (m multi) RequestCompleted(r RequestInfo, status int, bytes int64, dur time.Duration) {
	for _, o := range m {
		o.RequestCompleted(r, status, bytes, dur)
	}
}
