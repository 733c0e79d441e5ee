//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_CreateOpen_ShareBytes(t *testing.T) {
	// GIVEN a created segment
	name := SegmentName("shm-test", os.Getpid(), 1)
	seg, err := Create(name, 4096)
	require.NoError(t, err)
	defer seg.Remove()
	require.Len(t, seg.Bytes(), 4096)

	// WHEN a second mapping is opened by name
	view, err := Open(name)
	require.NoError(t, err)
	defer view.Close()

	// THEN writes through one mapping are visible through the other
	seg.Bytes()[100] = 0xAB
	assert.Equal(t, byte(0xAB), view.Bytes()[100])
	assert.Equal(t, name, view.Name())
}

func TestSegment_Remove_DeletesBackingFile(t *testing.T) {
	name := SegmentName("shm-remove", os.Getpid(), 2)
	seg, err := Create(name, 128)
	require.NoError(t, err)

	require.NoError(t, seg.Remove())

	_, err = os.Stat(filepath.Join(Dir(), name))
	assert.True(t, os.IsNotExist(err))
	_, err = Open(name)
	assert.Error(t, err)
}

func TestSegment_CloseByAttacher_KeepsFile(t *testing.T) {
	name := SegmentName("shm-close", os.Getpid(), 3)
	seg, err := Create(name, 128)
	require.NoError(t, err)
	defer seg.Remove()
	view, err := Open(name)
	require.NoError(t, err)

	require.NoError(t, view.Remove())

	_, err = os.Stat(filepath.Join(Dir(), name))
	assert.NoError(t, err)
}

func TestCreate_ZeroSize_Fails(t *testing.T) {
	_, err := Create(SegmentName("shm-zero", os.Getpid(), 4), 0)
	assert.Error(t, err)
}

func TestSegmentName_DeterministicAndDistinct(t *testing.T) {
	a := SegmentName("cache", 100, 1)

	assert.Equal(t, a, SegmentName("cache", 100, 1))
	assert.NotEqual(t, a, SegmentName("cache", 100, 2))
	assert.NotEqual(t, a, SegmentName("cache", 101, 1))
	assert.True(t, strings.HasPrefix(a, NamePrefix+"cache-"))
	assert.Len(t, a, len(NamePrefix+"cache-")+16)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(1<<22+12345))
}

func TestFutex_WakeReleasesWaiter(t *testing.T) {
	// GIVEN a goroutine waiting on a zero word
	var word uint32
	woke := make(chan struct{})
	go func() {
		for atomic.LoadUint32(&word) == 0 {
			FutexWait(&word, 0, time.Second)
		}
		close(woke)
	}()

	// WHEN the word changes and waiters are woken
	time.Sleep(10 * time.Millisecond)
	atomic.StoreUint32(&word, 1)
	FutexWake(&word, 1)

	// THEN the waiter returns promptly
	select {
	case <-woke:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestFutexWait_Timeout_Returns(t *testing.T) {
	var word uint32
	start := time.Now()

	FutexWait(&word, 0, 20*time.Millisecond)

	assert.Less(t, time.Since(start), time.Second)
}
