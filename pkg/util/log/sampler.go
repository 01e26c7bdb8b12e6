// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// SampledError is a diagnostic that is only logged for one in every N occurrences.
type SampledError struct {
	err     error
	sampler *Sampler
}

func (s SampledError) Error() string {
	if s.sampler == nil {
		return s.err.Error()
	}
	return fmt.Sprintf("%s (sampled 1/%d)", s.err.Error(), s.sampler.freq)
}

func (s SampledError) Unwrap() error { return s.err }

// ShouldLog reports whether this occurrence is one of the sampled ones.
func (s SampledError) ShouldLog() bool {
	return s.sampler == nil || s.sampler.Sample()
}

type Sampler struct {
	freq  int64
	count atomic.Int64
}

// NewSampler returns a sampler letting through one in every freq occurrences, or nil if freq is 0.
func NewSampler(freq int64) *Sampler {
	if freq <= 0 {
		return nil
	}
	return &Sampler{freq: freq}
}

func (s *Sampler) Sample() bool {
	count := s.count.Inc()
	return (count-1)%s.freq == 0
}

func (s *Sampler) WrapError(err error) error {
	if s == nil {
		return err
	}
	return SampledError{err: err, sampler: s}
}

// Warn logs err at warning level, unless it is a SampledError whose occurrence is not sampled.
func Warn(logger log.Logger, msg string, err error, keyvals ...any) {
	if sampled, ok := err.(SampledError); ok && !sampled.ShouldLog() {
		return
	}
	level.Warn(logger).Log(append([]any{"msg", msg, "err", err}, keyvals...)...)
}
