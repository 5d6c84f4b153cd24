package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNilLocker(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, NewLocker(nil))

	var locker *Locker
	_, ok, err := locker.TryLock(ctx, "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NoError(t, locker.Release(ctx, "k", "token"))
}
