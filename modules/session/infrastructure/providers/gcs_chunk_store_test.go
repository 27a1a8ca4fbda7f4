package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapWav_HeaderMatchesPcmLength(t *testing.T) {
	pcm := make([]byte, 320) // 10ms @16kHz mono PCM16

	wav := wrapWav(pcm)

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Len(t, wav, 44+len(pcm))
}

func TestWrapWav_EmptyPcmStillProducesValidHeader(t *testing.T) {
	wav := wrapWav(nil)

	assert.Len(t, wav, 44)
	assert.Equal(t, "RIFF", string(wav[0:4]))
}

func TestChunkObjectName_IsStableAndKeyedByRoleAndSeq(t *testing.T) {
	a := chunkObjectName("sess-1", "teacher", 3)
	b := chunkObjectName("sess-1", "students", 3)

	assert.NotEqual(t, a, b)
	assert.Equal(t, "sessions/sess-1/chunks/teacher/3.pcm", a)
}

func TestChunkCacheKey_DistinguishesSessionRoleSeq(t *testing.T) {
	a := chunkCacheKey("sess-1", "teacher", 1)
	b := chunkCacheKey("sess-1", "teacher", 2)
	c := chunkCacheKey("sess-2", "teacher", 1)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
