package tirion

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeString(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, "invalid metric url", InvalidMetricURL.String())
	assert.Equal(t, "listener join failed", ListenerJoinFailed.String())
	assert.Equal(t, "code(99)", Code(99).String())

	for code := OK; code <= ListenerJoinFailed; code++ {
		assert.NotContains(t, code.String(), "code(", "code %d has no name", int(code))
	}
}

func TestErrorMessage(t *testing.T) {
	err := newError(InvalidRegionPath, "handshake", errors.New("no such file"))
	assert.Equal(t, "handshake: invalid region path: no such file", err.Error())

	assert.Equal(t, "channel send failed", (&Error{Code: ChannelSendFailed}).Error())
}

func TestErrorIs(t *testing.T) {
	cause := errors.New("broken pipe")
	err := fmt.Errorf("tagging: %w", newError(ChannelSendFailed, "tag", cause))

	assert.ErrorIs(t, err, ErrChannelSendFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrChannelReceiveFailed)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Code(-1), CodeOf(errors.New("foreign")))
	assert.Equal(t, InvalidMetricCount, CodeOf(fmt.Errorf("wrapped: %w", newError(InvalidMetricCount, "", nil))))
}
