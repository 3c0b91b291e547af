// Package executor performs the side effect a proposal describes: sending
// email or driving an agency portal. It owns the execution claim, so a
// proposal is dispatched at most once no matter how often a job is
// redelivered.
package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// ActionKind is the portal automation vocabulary. A plan is a flat list of
// these; the runner executes them in order and stops at complete or error.
type ActionKind string

const (
	ActionClick            ActionKind = "click"
	ActionTypeText         ActionKind = "type"
	ActionSelect           ActionKind = "select"
	ActionScroll           ActionKind = "scroll"
	ActionWait             ActionKind = "wait"
	ActionWaitForEmailCode ActionKind = "wait_for_email_code"
	ActionComplete         ActionKind = "complete"
	ActionError            ActionKind = "error"
)

// PortalAction is one step of a portal plan. Selector is tried first;
// Fallbacks are tried in order when the primary selector resolves nothing, so
// a provider markup change degrades instead of failing outright.
//
// Pattern, From and TimeoutMS apply to wait_for_email_code steps only and
// narrow the inbox watch for that step; zero values fall back to the code
// source's configured defaults.
type PortalAction struct {
	Kind      ActionKind `json:"kind"`
	Selector  string     `json:"selector,omitempty"`
	Fallbacks []string   `json:"fallbacks,omitempty"`
	Value     string     `json:"value,omitempty"`
	WaitMS    int        `json:"wait_ms,omitempty"`
	Message   string     `json:"message,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	From      string     `json:"from,omitempty"`
	TimeoutMS int        `json:"timeout_ms,omitempty"`
}

// Validate rejects steps whose kind needs fields that are missing.
func (a PortalAction) Validate() error {
	switch a.Kind {
	case ActionClick, ActionScroll:
		if a.Selector == "" {
			return fmt.Errorf("%s action requires a selector", a.Kind)
		}
	case ActionTypeText, ActionSelect, ActionWaitForEmailCode:
		if a.Selector == "" {
			return fmt.Errorf("%s action requires a selector", a.Kind)
		}
		if a.Kind != ActionWaitForEmailCode && a.Value == "" {
			return fmt.Errorf("%s action requires a value", a.Kind)
		}
		if a.Kind == ActionWaitForEmailCode {
			if a.TimeoutMS < 0 {
				return fmt.Errorf("%s action timeout must not be negative", a.Kind)
			}
			if a.Pattern != "" {
				re, err := regexp.Compile(a.Pattern)
				if err != nil {
					return fmt.Errorf("%s action pattern: %w", a.Kind, err)
				}
				if re.NumSubexp() < 1 {
					return fmt.Errorf("%s action pattern needs a capture group", a.Kind)
				}
			}
		}
	case ActionWait:
		if a.WaitMS <= 0 {
			return fmt.Errorf("wait action requires a positive duration")
		}
	case ActionComplete:
	case ActionError:
		if a.Message == "" {
			return fmt.Errorf("error action requires a message")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// selectors builds the ordered resolution list for the step.
func (a PortalAction) selectors() []string {
	out := make([]string, 0, 1+len(a.Fallbacks))
	if a.Selector != "" {
		out = append(out, a.Selector)
	}
	return append(out, a.Fallbacks...)
}

// ValidatePlan checks every step and requires a terminating complete step so
// a malformed plan fails before anything touches the portal.
func ValidatePlan(plan []PortalAction) error {
	if len(plan) == 0 {
		return fmt.Errorf("empty portal plan")
	}
	terminated := false
	for i, a := range plan {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if a.Kind == ActionComplete || a.Kind == ActionError {
			terminated = true
		}
	}
	if !terminated {
		return fmt.Errorf("portal plan has no terminating step")
	}
	return nil
}

// describePlan summarizes a plan for logs and the activity trail.
func describePlan(plan []PortalAction) string {
	kinds := make([]string, len(plan))
	for i, a := range plan {
		kinds[i] = string(a.Kind)
	}
	return strings.Join(kinds, ",")
}
