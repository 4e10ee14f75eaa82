package fail

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryRecoversPlainError(t *testing.T) {
	sentinel := errors.New("boom")
	err := Try(func() {
		PanicIfError(sentinel)
	})
	assert.Error(t, err)
}

func TestTryPassesThroughFatal(t *testing.T) {
	assert.Panics(t, func() {
		_ = Try(func() {
			Fatal(errors.New("disk on fire"), "device open")
		})
	})
}

func TestPanicIfTrueFalse(t *testing.T) {
	assert.NotPanics(t, func() { PanicIfTrue(false, "unreachable") })
	assert.Panics(t, func() { PanicIfTrue(true, "reachable") })
	assert.NotPanics(t, func() { PanicIfFalse(true, "unreachable") })
	assert.Panics(t, func() { PanicIfFalse(false, "reachable") })
}

func TestAsFatalExtraction(t *testing.T) {
	defer func() {
		r := recover()
		fe, ok := AsFatal(r)
		assert.True(t, ok)
		assert.Error(t, fe)
	}()
	Fatal(errors.New("eio"), "reading superblock")
}
