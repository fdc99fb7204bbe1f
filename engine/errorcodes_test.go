package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quicmitm/quicmitm/engine"
)

func TestErrorCodeName(t *testing.T) {
	assert.Equal(t, "NO_ERROR", engine.ErrorCodeName(0x0))
	assert.Equal(t, "APPLICATION_ERROR", engine.ErrorCodeName(0xc))
	assert.Equal(t, "H3_NO_ERROR", engine.ErrorCodeName(0x100))
	assert.Equal(t, "H3_REQUEST_REJECTED", engine.ErrorCodeName(0x10b))
	assert.Equal(t, "unknown error (0xdead)", engine.ErrorCodeName(0xdead))
}

func TestIsSuccessCode(t *testing.T) {
	assert.True(t, engine.IsSuccessCode(engine.NoError))
	assert.True(t, engine.IsSuccessCode(engine.H3NoError))
	assert.False(t, engine.IsSuccessCode(engine.InternalError))
	assert.False(t, engine.IsSuccessCode(0x101))
}
