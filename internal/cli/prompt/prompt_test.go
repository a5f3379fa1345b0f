package prompt

import (
	"testing"

	"github.com/manifoldco/promptui"
	"github.com/stretchr/testify/assert"
)

func TestValidatePort(t *testing.T) {
	assert.NoError(t, validatePort("3240"))
	assert.NoError(t, validatePort(" 1 "))
	assert.Error(t, validatePort("0"))
	assert.Error(t, validatePort("65536"))
	assert.Error(t, validatePort("usbip"))
}

func TestValidateNonEmpty(t *testing.T) {
	assert.NoError(t, validateNonEmpty("devices.yaml"))
	assert.Error(t, validateNonEmpty("   "))
}

func TestIsYes(t *testing.T) {
	assert.True(t, isYes("y"))
	assert.True(t, isYes("YES"))
	assert.False(t, isYes("n"))
	assert.False(t, isYes(""))
}

func TestConfirmWithForceSkipsPrompt(t *testing.T) {
	ok, err := ConfirmWithForce("overwrite?", true)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestWrapError(t *testing.T) {
	assert.ErrorIs(t, wrapError(promptui.ErrInterrupt), ErrAborted)
	assert.ErrorIs(t, wrapError(promptui.ErrEOF), ErrAborted)
	assert.Nil(t, wrapError(nil))
	assert.Equal(t, promptui.ErrAbort, wrapError(promptui.ErrAbort))
}
