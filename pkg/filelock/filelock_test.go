package filelock

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePathSerializes(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "out.csv")

	var inCritical int
	var maxInCritical int
	var track sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				handle := r.Acquire(path)

				track.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				track.Unlock()

				track.Lock()
				inCritical--
				track.Unlock()

				handle.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "writers to one path must take turns")
	assert.Equal(t, 1, r.Len())
}

func TestDistinctPathsDoNotContend(t *testing.T) {
	r := New()
	dir := t.TempDir()

	held := r.Acquire(filepath.Join(dir, "a.csv"))
	defer held.Release()

	acquired := make(chan struct{})
	go func() {
		h := r.Acquire(filepath.Join(dir, "b.csv"))
		h.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquiring a distinct path blocked behind an unrelated lock")
	}
}

func TestPathSpellingsShareOneLock(t *testing.T) {
	r := New()

	first := r.Acquire("out/report.csv")

	sequence := make(chan string, 2)
	go func() {
		h := r.Acquire("./out/report.csv")
		sequence <- "acquired"
		h.Release()
	}()

	// Give the goroutine a chance to run before releasing
	time.Sleep(50 * time.Millisecond)
	sequence <- "released"
	first.Release()

	assert.Equal(t, "released", <-sequence)
	assert.Equal(t, "acquired", <-sequence)
	assert.Equal(t, 1, r.Len(), "both spellings must map to one lock")
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "x.csv")

	handle := r.Acquire(path)
	handle.Release()
	require.NotPanics(t, func() { handle.Release() })

	// The lock is usable again
	again := r.Acquire(path)
	again.Release()
}

func TestWithLock(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "y.csv")

	ran := false
	err := r.WithLock(path, func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	// Lock released after fn returns
	h := r.Acquire(path)
	h.Release()
}

func TestWithLockPropagatesError(t *testing.T) {
	r := New()

	err := r.WithLock("z.csv", func() error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
}

func TestHandlePath(t *testing.T) {
	r := New()
	h := r.Acquire("rel.csv")
	defer h.Release()

	assert.True(t, filepath.IsAbs(h.Path()))
}
