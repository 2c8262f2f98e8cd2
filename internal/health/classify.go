package health

import (
	"strings"
	"syscall"

	"github.com/juju/errors"

	"control-monitor/internal/model"
)

var (
	storageMarkers = []string{
		"database or disk is full",
		"no space left on device",
		"disk quota exceeded",
		"sqlite_full",
	}
	memoryMarkers = []string{
		"out of memory",
		"cannot allocate memory",
		"sqlite_nomem",
	}
	corruptionMarkers = []string{
		"malformed",
		"not a database",
		"sqlite_corrupt",
		"sqlite_notadb",
		"corrupt",
	}
)

// Classify maps a failure onto the kind that selects its recovery policy.
// Sentinel and errno matches win over message matching. Anything
// unrecognised is transient-io.
func Classify(err error) model.ErrorKind {
	switch {
	case errors.Is(err, model.ErrStorageExhausted),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT):
		return model.KindStorageExhausted
	case errors.Is(err, model.ErrMemoryExhausted),
		errors.Is(err, syscall.ENOMEM):
		return model.KindMemoryExhausted
	case errors.Is(err, model.ErrCorruptionDetected):
		return model.KindCorruptionDetected
	case err == nil:
		return model.KindTransientIO
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, storageMarkers):
		return model.KindStorageExhausted
	case containsAny(msg, memoryMarkers):
		return model.KindMemoryExhausted
	case containsAny(msg, corruptionMarkers):
		return model.KindCorruptionDetected
	}
	return model.KindTransientIO
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
