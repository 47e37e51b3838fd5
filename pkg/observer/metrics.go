package observer

import (
	"time"

	"github.com/marmos91/edgedav/pkg/metrics"
)

type metricsObserver struct {
	m metrics.WebDAVMetrics
}

// NewMetrics feeds request events into m. A nil m yields Nop.
func NewMetrics(m metrics.WebDAVMetrics) Observer {
	if m == nil {
		return Nop{}
	}
	return &metricsObserver{m: m}
}

func (o *metricsObserver) ConnectionAccepted(ConnInfo) {}

func (o *metricsObserver) RequestAdmitted(r RequestInfo) {
	o.m.RecordRequestStart(r.Method)
	o.m.ObserveAdmissionWait(r.Waited)
}

func (o *metricsObserver) RequestCompleted(r RequestInfo, status int, bytes int64, dur time.Duration) {
	o.m.RecordRequestEnd(r.Method)
	o.m.RecordRequest(r.Method, status, dur, bytes)
}
