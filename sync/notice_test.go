package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoticeOncePerInterval(t *testing.T) {
	n := NewNotice(time.Hour)
	count := 0
	for i := 0; i < 100; i++ {
		n.Do(func() { count++ })
	}
	assert.Equal(t, 1, count)
}

func TestNoticeWithoutInterval(t *testing.T) {
	n := NewNotice(0)
	count := 0
	for i := 0; i < 5; i++ {
		n.Do(func() { count++ })
	}
	assert.Equal(t, 5, count)
}
