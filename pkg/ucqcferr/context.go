// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ucqcferr

import (
	"fmt"
	"io"
)

// MaxContextEntries bounds a ValidationContext. Overflow is itself an
// error, never silent truncation.
const MaxContextEntries = 64

// Finding is one accumulated diagnostic: a code, a severity, a message, and
// optional structured detail (e.g. the offending core pair or dependency
// edge) for callers that want more than the formatted string.
type Finding struct {
	Code     Code
	Severity Severity
	Message  string
	Detail   map[string]any
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Code, f.Message)
}

// ValidationContext accumulates every finding a validator produces in one
// pass. Validators never short-circuit and never throw; they call Add for
// every problem found and the caller inspects the returned worst severity.
type ValidationContext struct {
	findings []Finding
	overflow bool
}

// NewValidationContext returns an empty context ready to accumulate
// findings, pre-sized to MaxContextEntries.
func NewValidationContext() *ValidationContext {
	return &ValidationContext{findings: make([]Finding, 0, MaxContextEntries)}
}

// Add records a finding. Once MaxContextEntries is reached, further findings
// are dropped and the context itself records a HardFail overflow finding
// exactly once: overflow is an error, never silent truncation.
func (c *ValidationContext) Add(code Code, severity Severity, format string, args ...any) {
	if c.overflow {
		return
	}
	if len(c.findings) >= MaxContextEntries {
		c.overflow = true
		c.findings = append(c.findings, Finding{
			Code:     CodeValidationContextOverflow,
			Severity: HardFail,
			Message:  fmt.Sprintf("validation context exceeded %d entries", MaxContextEntries),
		})
		return
	}
	c.findings = append(c.findings, Finding{
		Code:     code,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

// AddDetail is Add plus structured detail attached to the new finding, for
// a validator that wants to expose the offending pair/edge to callers
// beyond the formatted message. If the context has overflowed, the finding
// and its detail are dropped like any other.
func (c *ValidationContext) AddDetail(code Code, severity Severity, detail map[string]any, format string, args ...any) {
	c.Add(code, severity, format, args...)
	if !c.overflow && len(c.findings) > 0 {
		c.findings[len(c.findings)-1].Detail = detail
	}
}

// Findings returns every accumulated finding in discovery order.
func (c *ValidationContext) Findings() []Finding {
	return c.findings
}

// WorstSeverity returns the worst severity among all accumulated findings,
// or Accept if none were recorded.
func (c *ValidationContext) WorstSeverity() Severity {
	worst := Accept
	for _, f := range c.findings {
		worst = Worse(worst, f.Severity)
	}
	return worst
}

// HasCode reports whether any finding carries the given code, used by
// tests asserting a specific scenario's expected error code appears.
func (c *ValidationContext) HasCode(code Code) bool {
	for _, f := range c.findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Print writes every finding, one per line, in the order discovered: on
// HardFail every finding is printed and boot exits; on Warn every finding
// is printed and boot continues; on Accept this prints nothing because
// Findings() is empty.
func (c *ValidationContext) Print(w io.Writer) {
	for _, f := range c.findings {
		fmt.Fprintln(w, f.String())
	}
}
