// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timing runs the simulator's fixed-rate loops.
package timing

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration matches every *ConfigurationError.
var ErrConfiguration = errors.New("invalid loop configuration")

// ConfigurationError reports a loop whose rate could not be determined.
type ConfigurationError struct {
	Name   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Name, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewPeriod resolves a loop period from either a rate in Hz or an explicit
// period. Exactly one of them must be positive.
func NewPeriod(name string, rateHz float64, period time.Duration) (time.Duration, error) {
	switch {
	case rateHz > 0 && period > 0:
		return 0, &ConfigurationError{Name: name, Reason: "both rate and period are set"}
	case rateHz > 0:
		return time.Duration(float64(time.Second) / rateHz), nil
	case period > 0:
		return period, nil
	default:
		return 0, &ConfigurationError{Name: name, Reason: "neither rate nor period is set"}
	}
}
