package lock

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/nandina-gis/tilecache/internal/tilerr"
)

// SemLock is an n-slot semaphore built from n FileLocks sharing a path
// prefix, probed in randomized order — ported from the original's SemLock,
// which picks a random start index and walks the n sub-locks circularly so
// concurrent acquirers don't pile up on sub-lock 0.
type SemLock struct {
	PathPrefix string
	N          int
	Timeout    time.Duration

	rng *rand.Rand
}

// NewSemLock builds a SemLock admitting up to n concurrent holders of
// locks named pathPrefix+"0".."N-1".
func NewSemLock(pathPrefix string, n int, timeout time.Duration) *SemLock {
	return &SemLock{PathPrefix: pathPrefix, N: n, Timeout: timeout, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Acquire tries each of the n sub-locks once, starting at a random index
// and wrapping circularly, non-blocking per sub-lock (0 timeout) so the
// overall attempt finishes once all n have been tried or one succeeds. If
// every sub-lock is taken it retries the whole sweep until Timeout elapses,
// returning tilerr.ErrLockTimeout.
func (s *SemLock) Acquire() (*FileLock, error) {
	deadline := time.Now().Add(s.Timeout)
	start := s.rng.Intn(s.N)
	step := 10 * time.Millisecond
	for {
		for k := 0; k < s.N; k++ {
			i := (start + k) % s.N
			fl := NewFileLock(s.subPath(i), 0, true)
			if err := fl.tryOnce(); err == nil {
				return fl, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, tilerr.ErrLockTimeout
		}
		time.Sleep(step)
	}
}

func (s *SemLock) subPath(i int) string {
	return s.PathPrefix + strconv.Itoa(i)
}
