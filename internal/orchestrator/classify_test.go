package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
)

func TestClassify_TypedKindsOverrideMessage(t *testing.T) {
	assert.Equal(t, ClassificationPermanent, classify(apperrors.NotFound("node", "n-1")))
	assert.Equal(t, ClassificationPermanent, classify(apperrors.Invalid("bad config")))
	assert.Equal(t, ClassificationPermanent, classify(apperrors.Forbidden("nope")))
	assert.Equal(t, ClassificationPermanent, classify(apperrors.LimitExceeded("too many nodes")))
	assert.Equal(t, ClassificationTransient, classify(apperrors.Unavailable("provider", errors.New("boom"))))
}

func TestClassify_MessageSubstringFallback(t *testing.T) {
	assert.Equal(t, ClassificationPermanent, classify(errors.New("workspace not found")))
	assert.Equal(t, ClassificationPermanent, classify(errors.New("LIMIT_EXCEEDED: too many")))
	assert.Equal(t, ClassificationTransient, classify(errors.New("fetch failed: connection reset")))
	assert.Equal(t, ClassificationTransient, classify(errors.New("provider 503: service unavailable")))
	assert.Equal(t, ClassificationTransient, classify(errors.New("dial tcp: i/o timeout")))
}

func TestClassify_UnknownDefaultsTransient(t *testing.T) {
	assert.Equal(t, ClassificationTransient, classify(errors.New("something weird happened")))
}
