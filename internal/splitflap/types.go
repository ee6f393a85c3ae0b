// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package splitflap

// ModuleStateKind is the controller's view of a single module.
type ModuleStateKind int

const (
	StateNormal ModuleStateKind = iota
	StateLookForHome
	StateSensorError
	StatePanic
	StateDisabled
)

func (k ModuleStateKind) String() string {
	switch k {
	case StateNormal:
		return "NORMAL"
	case StateLookForHome:
		return "LOOK_FOR_HOME"
	case StateSensorError:
		return "SENSOR_ERROR"
	case StatePanic:
		return "PANIC"
	case StateDisabled:
		return "STATE_DISABLED"
	default:
		return "UNKNOWN"
	}
}

// ModuleState is one module as reported by the controller. Read-only.
type ModuleState struct {
	FlapIndex           int             `json:"flap_index"`
	State               ModuleStateKind `json:"state"`
	Moving              bool            `json:"moving"`
	HomeSensor          bool            `json:"home_sensor"` // true while the magnet is detected
	CountMissedHome     int             `json:"count_missed_home"`
	CountUnexpectedHome int             `json:"count_unexpected_home"`
}

// State is a full snapshot of every module.
type State struct {
	Modules []ModuleState `json:"modules"`
}

// GeneralState carries controller-wide information. FlapCharacterSet is
// empty on firmware that does not report it.
type GeneralState struct {
	UptimeMillis     uint64 `json:"uptime_ms"`
	FlapCharacterSet []byte `json:"flap_character_set,omitempty"`
	MovementEnabled  bool   `json:"movement_enabled"`
}

// ModuleConfig is the desired state of one module.
type ModuleConfig struct {
	TargetFlapIndex int `json:"target_flap_index"`
	ResetNonce      int `json:"reset_nonce"`
	MovementNonce   int `json:"movement_nonce"`
}

// Config is sent to the controller as a whole; its length must match the
// number of modules in the last State.
type Config struct {
	Modules []ModuleConfig `json:"modules"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := Config{Modules: make([]ModuleConfig, len(c.Modules))}
	copy(out.Modules, c.Modules)
	return out
}

// Targets returns the target flap index of every module.
func (c Config) Targets() []int {
	out := make([]int, len(c.Modules))
	for i, m := range c.Modules {
		out[i] = m.TargetFlapIndex
	}
	return out
}

// Payload tags an inbound Message.
type Payload string

const (
	PayloadState        Payload = "splitflap_state"
	PayloadGeneralState Payload = "general_state"
	PayloadLog          Payload = "log"
	PayloadAck          Payload = "ack"
)

// Message is one inbound message from the controller. Exactly one of the
// pointer fields is set, according to Payload.
type Message struct {
	Payload      Payload       `json:"payload"`
	State        *State        `json:"splitflap_state,omitempty"`
	GeneralState *GeneralState `json:"general_state,omitempty"`
	Log          *Log          `json:"log,omitempty"`
	Nonce        uint32        `json:"nonce,omitempty"`
}

type Log struct {
	Msg string `json:"msg"`
}
