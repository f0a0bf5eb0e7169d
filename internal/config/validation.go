package config

import (
	"fmt"
	"time"

	"github.com/erg0nix/parley/internal/core"
)

const (
	MinWindowSize        = 128
	MaxWindowSize        = 8192
	MinInactivityTimeout = 10 * time.Second
)

type RangeError struct {
	Field string
	Value any
	Min   any
	Max   any
}

func (e *RangeError) Error() string {
	if e.Max == nil {
		return fmt.Sprintf("%s value %v is below the minimum of %v", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("%s value %v is out of range [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}

func ValidateWindowSize(n int) error {
	if n < MinWindowSize || n > MaxWindowSize {
		return &RangeError{Field: "context.window_size", Value: n, Min: MinWindowSize, Max: MaxWindowSize}
	}
	return nil
}

func ValidateRetention(r RetentionConfig) error {
	if r.MaxMessages < 2 {
		return &RangeError{Field: "retention.max_messages", Value: r.MaxMessages, Min: 2}
	}
	if r.EvictKeep < 1 {
		return &RangeError{Field: "retention.evict_keep", Value: r.EvictKeep, Min: 1}
	}
	return nil
}

func ValidateInactivityTimeout(d time.Duration) error {
	if d < MinInactivityTimeout {
		return &RangeError{Field: "inactivity.timeout_seconds", Value: d.Seconds(), Min: MinInactivityTimeout.Seconds()}
	}
	return nil
}

func ValidateMode(m Mode) error {
	switch m {
	case ModeLocal, ModeRemote:
		return nil
	default:
		return fmt.Errorf("backend.mode must be %q or %q, got %q", ModeLocal, ModeRemote, m)
	}
}

// Validate checks every user-settable field of a loaded config.
func Validate(c Config) error {
	if err := ValidateWindowSize(c.Context.WindowSize); err != nil {
		return err
	}
	if err := ValidateRetention(c.Retention); err != nil {
		return err
	}
	if err := ValidateInactivityTimeout(time.Duration(c.Inactivity.TimeoutSeconds) * time.Second); err != nil {
		return err
	}
	if err := ValidateMode(c.Backend.Mode); err != nil {
		return err
	}
	if c.Backend.Local != LocalLlama && c.Backend.Local != LocalOllama {
		return fmt.Errorf("backend.local must be %q or %q, got %q", LocalLlama, LocalOllama, c.Backend.Local)
	}
	if c.Context.MaxOutputTokens < 0 {
		return &RangeError{Field: "context.max_output_tokens", Value: c.Context.MaxOutputTokens, Min: 0}
	}
	return validateSampling(c.Sampling)
}

func validateSampling(s core.SamplingConfig) error {
	if s.Temperature != nil {
		if *s.Temperature < 0 || *s.Temperature > 2 {
			return &RangeError{Field: "sampling.temperature", Value: *s.Temperature, Min: 0.0, Max: 2.0}
		}
	}
	if s.TopP != nil {
		if *s.TopP < 0 || *s.TopP > 1 {
			return &RangeError{Field: "sampling.top_p", Value: *s.TopP, Min: 0.0, Max: 1.0}
		}
	}
	if s.TopK != nil && *s.TopK < 0 {
		return &RangeError{Field: "sampling.top_k", Value: *s.TopK, Min: 0}
	}
	if s.RepeatPenalty != nil {
		if *s.RepeatPenalty < 0 || *s.RepeatPenalty > 2 {
			return &RangeError{Field: "sampling.repeat_penalty", Value: *s.RepeatPenalty, Min: 0.0, Max: 2.0}
		}
	}
	return nil
}
