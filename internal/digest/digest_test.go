package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"lukechampine.com/blake3"
)

func TestSum20MatchesTruncatedBlake3(t *testing.T) {
	full := blake3.Sum256([]byte("hello world"))
	assert.Equal(t, full[:Size], Sum20([]byte("hello"), []byte(" world")))
}

func TestEmpty(t *testing.T) {
	full := blake3.Sum256(nil)
	assert.Equal(t, full[:Size], Empty)
	assert.Len(t, Empty, Size)
}
