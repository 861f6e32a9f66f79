package querycache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testResult = Result{{DN: "cn=test,dc=example,dc=com", Attributes: map[string][]string{"cn": {"test"}}}}

func TestGetSet(t *testing.T) {
	c := New()
	_, ok := c.Get(1, "mail=a@example.com")
	assert.False(t, ok)

	c.Set(1, "mail=a@example.com", time.Hour, testResult)
	got, ok := c.Get(1, "mail=a@example.com")
	require.True(t, ok)
	assert.Equal(t, testResult, got)

	_, ok = c.Get(2, "mail=a@example.com")
	assert.False(t, ok)
	_, ok = c.Get(1, "mail=b@example.com")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New()
	c.Set(1, "q", time.Second, testResult)
	_, ok := c.Get(1, "q")
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	_, ok = c.Get(1, "q")
	assert.False(t, ok)
}

func TestFlush(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	c.Set(1, "old", time.Minute, testResult)
	c.Set(2, "other", time.Hour, testResult)
	now = now.Add(30 * time.Second)
	c.Set(1, "new", time.Minute, testResult)
	assert.Equal(t, 3, c.Len())

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, c.Flush())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1, "new")
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 2, c.Flush())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.buckets)
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				q := fmt.Sprintf("q%d", j%10)
				c.Set(int64(i%2), q, time.Minute, testResult)
				if got, ok := c.Get(int64(i%2), q); ok {
					assert.Equal(t, testResult, got)
				}
				if j%50 == 0 {
					c.Flush()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}

func TestRunFlusher(t *testing.T) {
	c := New()
	c.Set(1, "q", time.Nanosecond, testResult)
	ctx, cancel := context.WithCancel(context.Background())
	flushed := make(chan int, 10)
	done := make(chan struct{})
	go func() {
		RunFlusher(ctx, c, 10*time.Millisecond, func(removed int) {
			select {
			case flushed <- removed:
			default:
			}
		})
		close(done)
	}()
	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not run")
	}
	cancel()
	<-done
	assert.Equal(t, 0, c.Len())
}
