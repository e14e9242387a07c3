// Package window implements the bucket ring shared by the windowed aggregate functions.
//
// A (window, slide) pair is cut into spans of gcd(window, slide). The ring holds
// max(window, slide)/span + 1 buckets and the buckets of consecutive windows overlap
// when slide is smaller than window.
package window

import (
	"fmt"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
)

type Bucket[T any] struct {
	Value T
	Terms int
}

// Store is a ring of buckets. It is *not* thread safe.
type Store[T any] struct {
	window     time.Duration
	slide      time.Duration
	span       time.Duration
	buckets    []Bucket[T]
	bucketZero int
	start      time.Time
	zero       func() T
}

// New returns a store whose first window starts at start.
// zero returns the value of an empty bucket. A nil zero uses the zero value of T.
func New[T any](window, slide time.Duration, start time.Time, zero func() T) (*Store[T], error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: %s", entity.ErrInvalidWindow, window)
	}
	if slide <= 0 {
		slide = window
	}

	if zero == nil {
		zero = func() T {
			var none T
			return none
		}
	}

	span := Span(window, slide)
	s := &Store[T]{
		window:  window,
		slide:   slide,
		span:    span,
		buckets: make([]Bucket[T], Count(window, slide)),
		start:   start,
		zero:    zero,
	}

	for i := range s.buckets {
		s.buckets[i].Value = zero()
	}

	return s, nil
}

// Span returns the greatest common divisor of window and slide.
func Span(window, slide time.Duration) time.Duration {
	a, b := window, slide
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Count returns the number of buckets needed to hold overlapping windows.
func Count(window, slide time.Duration) int {
	span := Span(window, slide)
	longest := window
	if slide > longest {
		longest = slide
	}
	return int(longest/span) + 1
}

func (s *Store[T]) Span() time.Duration {
	return s.span
}

func (s *Store[T]) Len() int {
	return len(s.buckets)
}

func (s *Store[T]) Window() time.Duration {
	return s.window
}

func (s *Store[T]) Slide() time.Duration {
	return s.slide
}

// Start returns the start time of the current window.
func (s *Store[T]) Start() time.Time {
	return s.start
}

// Index returns the index of the bucket receiving values at now.
func (s *Store[T]) Index(now time.Time) int {
	elapsed := now.Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}

	offset := int(elapsed / s.span)
	// late values go into the last bucket instead of wrapping into the current window
	if offset >= len(s.buckets) {
		offset = len(s.buckets) - 1
	}

	return (s.bucketZero + offset) % len(s.buckets)
}

// Bucket returns the bucket receiving values at now.
func (s *Store[T]) Bucket(now time.Time) *Bucket[T] {
	return &s.buckets[s.Index(now)]
}

// Collect returns the window/span buckets of the current window starting at bucketZero.
func (s *Store[T]) Collect() []*Bucket[T] {
	n := int(s.window / s.span)
	result := make([]*Bucket[T], 0, n)
	for i := 0; i < n; i++ {
		result = append(result, &s.buckets[(s.bucketZero+i)%len(s.buckets)])
	}
	return result
}

// Advance resets the buckets which slide out of the window and moves bucketZero and the window start by slide.
func (s *Store[T]) Advance() {
	n := int(s.slide / s.span)
	for i := 0; i < n; i++ {
		idx := (s.bucketZero + i) % len(s.buckets)
		s.buckets[idx] = Bucket[T]{Value: s.zero()}
	}

	s.bucketZero = (s.bucketZero + n) % len(s.buckets)
	s.start = s.start.Add(s.slide)
}
