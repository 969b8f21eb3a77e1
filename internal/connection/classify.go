package connection

import (
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
)

// StatusCode is a backend-neutral close status. Backends map their native
// close reasons onto these values.
type StatusCode int

const (
	StatusLoggedOut           StatusCode = 401
	StatusForbidden           StatusCode = 403
	StatusTimedOut            StatusCode = 408
	StatusMultideviceMismatch StatusCode = 411
	StatusConnectionClosed    StatusCode = 428
	StatusConnectionReplaced  StatusCode = 440
	StatusBadSession          StatusCode = 500
	StatusUnavailableService  StatusCode = 503
	StatusRestartRequired     StatusCode = 515

	// StatusConnectionLost shares its value with StatusTimedOut.
	StatusConnectionLost = StatusTimedOut
)

func (c StatusCode) String() string {
	switch c {
	case StatusLoggedOut:
		return "logged-out"
	case StatusForbidden:
		return "forbidden"
	case StatusTimedOut:
		return "timed-out"
	case StatusMultideviceMismatch:
		return "multidevice-mismatch"
	case StatusConnectionClosed:
		return "connection-closed"
	case StatusConnectionReplaced:
		return "connection-replaced"
	case StatusBadSession:
		return "bad-session"
	case StatusUnavailableService:
		return "unavailable-service"
	case StatusRestartRequired:
		return "restart-required"
	default:
		return "unrecognized"
	}
}

// Classification groups close codes by how the manager reacts to them.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassPermanent
	ClassTemporary
	ClassRestartRequired
	ClassReplaced
)

func (c Classification) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTemporary:
		return "temporary"
	case ClassRestartRequired:
		return "restart-required"
	case ClassReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Retry reports whether a close of this class is followed by a reconnect.
// Unknown codes retry.
func (c Classification) Retry() bool {
	return c != ClassPermanent && c != ClassReplaced
}

// Classify maps a close status code to its classification.
func Classify(code StatusCode) Classification {
	switch code {
	case StatusLoggedOut, StatusBadSession, StatusForbidden, StatusMultideviceMismatch:
		return ClassPermanent
	case StatusConnectionReplaced:
		return ClassReplaced
	case StatusRestartRequired:
		return ClassRestartRequired
	case StatusConnectionClosed, StatusTimedOut, StatusUnavailableService:
		return ClassTemporary
	default:
		return ClassUnknown
	}
}

// ShouldReconnect classifies reason, logs the decision once and reports
// whether the manager should reconnect.
func ShouldReconnect(reason CloseReason) bool {
	class := Classify(reason.Code)
	entry := logger.WithFields(logrus.Fields{
		"component":      "connection",
		"code":           int(reason.Code),
		"classification": class.String(),
	})
	if reason.Err != nil {
		entry = entry.WithField("error", reason.Err)
	}

	switch class {
	case ClassPermanent:
		entry.Warn("connection-closed-permanently-not-reconnecting")
	case ClassReplaced:
		entry.Warn("connection-replaced-by-another-device-not-reconnecting")
	case ClassRestartRequired:
		entry.Info("restart-required-reconnecting")
	case ClassTemporary:
		entry.Info("connection-closed-temporarily-reconnecting")
	default:
		entry.Warn("unknown-disconnect-reason-reconnecting")
	}

	return class.Retry()
}
