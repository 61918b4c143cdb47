package orchestrator

import (
	"strings"

	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
)

// Classification is the transient/permanent split driving the alarm
// handler's retry-or-fail decision (spec.md §4.1.5).
type Classification int

const (
	ClassificationTransient Classification = iota
	ClassificationPermanent
)

var permanentMarkers = []string{
	"not found",
	"limit_exceeded",
	"invalid",
	"forbidden",
	"unauthorized",
}

var transientMarkers = []string{
	"fetch failed",
	"network",
	"timeout",
	"econnrefused",
	"enotfound",
	"429",
	"rate limit",
	"500",
	"501",
	"502",
	"503",
	"504",
	"505",
}

// classify implements spec.md §4.1.5: permanent if the error carries a
// permanent marker (an apperrors.Kind known to be non-retryable) or its
// message matches a permanent substring; transient if it matches a
// transient substring; unknown defaults to transient.
func classify(err error) Classification {
	if err == nil {
		return ClassificationPermanent
	}

	switch {
	case apperrors.IsNotFound(err),
		apperrors.IsLimitExceeded(err),
		apperrors.Is(err, apperrors.KindInvalid),
		apperrors.Is(err, apperrors.KindForbidden):
		return ClassificationPermanent
	case apperrors.Is(err, apperrors.KindUnavailable):
		return ClassificationTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ClassificationPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ClassificationTransient
		}
	}
	return ClassificationTransient
}
