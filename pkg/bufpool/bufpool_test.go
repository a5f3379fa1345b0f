package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Zero", 0, 512},
		{"Header", 48, 512},
		{"SmallBoundary", 512, 512},
		{"JustAboveSmall", 513, 4 << 10},
		{"Medium", 10 << 10, 64 << 10},
		{"LargeBoundary", 1 << 20, 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.size)
			defer Put(buf)

			assert.Empty(t, buf)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestGetOversized(t *testing.T) {
	buf := Get(2 << 20)
	assert.Empty(t, buf)
	assert.Equal(t, 2<<20, cap(buf))

	require.NotPanics(t, func() { Put(buf) })
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	require.NotPanics(t, func() {
		Put(nil)
		Put([]byte{})
		Put(make([]byte, 100))
	})
}

func TestAppendWithinCapacity(t *testing.T) {
	buf := Get(100)
	defer Put(buf)

	buf = append(buf, make([]byte, 100)...)
	assert.Len(t, buf, 100)
	assert.Equal(t, 512, cap(buf))
}

func TestReturnedBufferIsEmpty(t *testing.T) {
	p := NewPool(64)
	buf := p.Get(10)
	buf = append(buf, 1, 2, 3)
	p.Put(buf)

	again := p.Get(10)
	assert.Empty(t, again)
	assert.Equal(t, 64, cap(again))
}

func TestNewPool(t *testing.T) {
	t.Run("SortsAndDeduplicates", func(t *testing.T) {
		p := NewPool(4096, 128, 4096, -1)
		assert.Equal(t, []int{128, 4096}, p.Classes())
	})

	t.Run("DefaultsWhenEmpty", func(t *testing.T) {
		assert.Equal(t, DefaultClasses, NewPool().Classes())
		assert.Equal(t, DefaultClasses, NewPool(0).Classes())
	})
}

func TestConcurrentGetPut(t *testing.T) {
	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := Get((id*1000 + j*37) % (200 << 10))
				buf = append(buf, byte(id))
				Put(buf)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkGetPut(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := Get(48)
			Put(buf)
		}
	})
}
