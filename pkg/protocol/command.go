// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
)

// Action discriminates the Command union.
type Action string

const (
	ActionPing          Action = "ping"
	ActionGetStatus     Action = "get_status"
	ActionGetSensorData Action = "get_sensor_data"
	ActionToggleRelay   Action = "toggle_relay"
	ActionSetRelay      Action = "set_relay"
	ActionSetInterval   Action = "set_interval"
	ActionRestart       Action = "restart"
)

// Bounds of the set_interval parameter, in milliseconds.
const (
	MinInterval = 1000
	MaxInterval = 3600000
)

var (
	// ErrMissingAction is returned for commands without an action.
	ErrMissingAction = fmt.Errorf("%w: missing action field", perrors.ErrInvalidInput)

	// ErrInvalidParameters is returned when parameters is not an object.
	ErrInvalidParameters = fmt.Errorf("%w: parameters must be an object", perrors.ErrInvalidInput)
)

type paramCheck func(params map[string]any) error

var actions = map[Action]paramCheck{
	ActionPing:          nil,
	ActionGetStatus:     nil,
	ActionGetSensorData: nil,
	ActionToggleRelay:   nil,
	ActionSetRelay:      requireBool("state"),
	ActionSetInterval:   requireRange("interval", MinInterval, MaxInterval),
	ActionRestart:       nil,
}

// Command is a request addressed to the device.
type Command struct {
	Action     Action         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// Encode serializes the command.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// ValidationError reports a structurally sound command that cannot be forwarded.
type ValidationError struct {
	Action Action
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid action: %s", e.Action)
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.Action, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidCommand.
func (e *ValidationError) Unwrap() error {
	return perrors.ErrInvalidCommand
}

type rawCommand struct {
	Action     *string         `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseCommand decodes a client frame into a Command without validating the action.
func ParseCommand(b []byte) (Command, error) {
	var raw rawCommand
	if err := decodeObject(b, &raw); err != nil {
		return Command{}, err
	}
	if raw.Action == nil || *raw.Action == "" {
		return Command{}, ErrMissingAction
	}

	cmd := Command{Action: Action(*raw.Action)}
	if len(raw.Parameters) > 0 && string(raw.Parameters) != "null" {
		var params map[string]any
		if err := json.Unmarshal(raw.Parameters, &params); err != nil {
			return Command{}, ErrInvalidParameters
		}
		cmd.Parameters = params
	}

	return cmd, nil
}

// Known reports whether a is in the recognized action set.
func Known(a Action) bool {
	_, ok := actions[a]
	return ok
}

// ValidateCommand checks the action and its parameters.
func ValidateCommand(c Command) error {
	check, ok := actions[c.Action]
	if !ok {
		return &ValidationError{Action: c.Action}
	}
	if check == nil {
		return nil
	}
	if err := check(c.Parameters); err != nil {
		return &ValidationError{Action: c.Action, Reason: err.Error()}
	}
	return nil
}

func requireBool(key string) paramCheck {
	return func(params map[string]any) error {
		v, ok := params[key]
		if !ok {
			return fmt.Errorf("missing %q", key)
		}
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%q must be a boolean", key)
		}
		return nil
	}
}

func requireRange(key string, lo, hi float64) paramCheck {
	return func(params map[string]any) error {
		v, ok := params[key]
		if !ok {
			return fmt.Errorf("missing %q", key)
		}
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%q must be a number", key)
		}
		if n < lo || n > hi {
			return fmt.Errorf("%q must be between %d and %d", key, int64(lo), int64(hi))
		}
		return nil
	}
}
