package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestHelperLoggerFollowsVerbosity(t *testing.T) {
	h := NewTestHelper(t)

	if testing.Verbose() {
		assert.Equal(t, logrus.DebugLevel, h.Logger.GetLevel())
	} else {
		assert.Equal(t, logrus.PanicLevel, h.Logger.GetLevel())
		assert.False(t, h.Logger.IsLevelEnabled(logrus.ErrorLevel), "test runs without -v MUST stay quiet")
	}
}
