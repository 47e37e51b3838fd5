package observer

import (
	"time"

	"github.com/marmos91/edgedav/internal/logger"
)

type logging struct{}

// NewLogging logs every event at debug level.
func NewLogging() Observer {
	return logging{}
}

func (logging) ConnectionAccepted(c ConnInfo) {
	logger.Debug("Connection accepted",
		logger.KeyConnectionID, c.ID,
		logger.KeyAddress, c.RemoteAddr)
}

func (logging) RequestAdmitted(r RequestInfo) {
	logger.Debug("Request admitted",
		logger.KeyConnectionID, r.ConnectionID,
		logger.KeyRequests, r.Seq,
		logger.KeyMethod, r.Method,
		logger.KeyPath, r.Path,
		logger.KeyWaitMs, float64(r.Waited.Microseconds())/1000.0)
}

func (logging) RequestCompleted(r RequestInfo, status int, bytes int64, dur time.Duration) {
	logger.Debug("Request completed",
		logger.KeyConnectionID, r.ConnectionID,
		logger.KeyRequests, r.Seq,
		logger.KeyMethod, r.Method,
		logger.KeyPath, r.Path,
		logger.KeyStatus, status,
		logger.KeyBytes, bytes,
		logger.KeyDurationMs, float64(dur.Microseconds())/1000.0)
}
