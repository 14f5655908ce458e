// Package polyhash searches for a multiply-shift perfect hash over a set
// of class keys: a pair (M, S) such that (M*key)>>S is injective over the
// live class identities.
package polyhash

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
)

const wordBits = 64

// seed is the fixed constant the candidate sequence is drawn from. Keeping
// it fixed (rather than time-seeded) makes update()'s output reproducible
// across runs with an unchanged catalog.
const seed uint64 = 0x9E3779B97F4A7C15

// Budget bounds how long Search is willing to look before giving up.
type Budget struct {
	AttemptsPerShift int
	Deadline         time.Duration
}

// DefaultBudget tries many multipliers per shift before widening the
// bucket count.
var DefaultBudget = Budget{AttemptsPerShift: 4096, Deadline: 2 * time.Second}

// FailedError is returned when the search exhausts its budget.
type FailedError struct {
	Attempts int
	Duration time.Duration
	Buckets  int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("mmdispatch: perfect hash search failed after %d attempts, %s, buckets=%d", e.Attempts, e.Duration, e.Buckets)
}

// Result is a found (M, S) pair and the bucket array it produces.
type Result struct {
	M       uint64
	S       uint8
	Buckets int
	// Bucket[h(key)] is the index into Order of the class that hashed
	// there; unused buckets hold -1.
	Bucket []int
	// Order is the key list Bucket indexes into (the live, non-abstract
	// class keys Search was called with, in the order given).
	Order []catalog.Key
}

// Index returns h(k) = (M*k) >> S for the found parameters.
func (r *Result) Index(k catalog.Key) int {
	return int((r.M * uint64(k)) >> r.S)
}

// Search finds (M, S) such that h is injective over keys. keys should be
// the conforming (non-abstract) class keys live in the catalog; duplicates
// are an error (pool containment and injectivity both assume uniqueness).
func Search(keys []catalog.Key, budget Budget) (*Result, error) {
	start := time.Now()
	attempts := 0

	B := nextPow2(len(keys)*5/4 + 1)
	if B < 2 {
		B = 2
	}

	rng := splitmix64{state: seed}

	for {
		logB := bits.Len(uint(B)) - 1
		for s := wordBits - logB; s >= 1; s-- {
			for i := 0; i < budget.AttemptsPerShift; i++ {
				attempts++
				if budget.Deadline > 0 && time.Since(start) > budget.Deadline {
					return nil, &FailedError{Attempts: attempts, Duration: time.Since(start), Buckets: B}
				}
				m := rng.next() | 1

				bucket, ok := tryInjective(keys, m, uint8(s), B)
				if ok {
					return &Result{M: m, S: uint8(s), Buckets: B, Bucket: bucket, Order: append([]catalog.Key(nil), keys...)}, nil
				}
			}
		}
		B *= 2
	}
}

func tryInjective(keys []catalog.Key, m uint64, s uint8, buckets int) ([]int, bool) {
	bucket := make([]int, buckets)
	for i := range bucket {
		bucket[i] = -1
	}
	for i, k := range keys {
		h := int((m * uint64(k)) >> s)
		if h < 0 || h >= buckets {
			return nil, false
		}
		if bucket[h] != -1 {
			return nil, false
		}
		bucket[h] = i
	}
	return bucket, true
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// splitmix64 is a small, fixed-seed deterministic PRNG: fast, and with no
// dependency on the platform's math/rand global state (which is explicitly
// not reproducible across processes once seeded from time).
type splitmix64 struct{ state uint64 }

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
