// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport connects the panel to a split-flap controller.
package transport

import (
	"errors"

	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

var ErrClosed = errors.New("transport: closed")

// Transport is the command side of a controller connection. Calls are
// fire-and-forget: they return once the command is queued or written, not
// when the controller acknowledges it.
type Transport interface {
	SendConfig(cfg splitflap.Config) error
	OffsetIncrementTenth(module int) error
	OffsetIncrementHalf(module int) error
	OffsetIncrementByTenths(module, tenths int) error
	OffsetSetToCurrentStep(module int) error
	SaveAllOffsets() error
	RequestState() error
	Close() error
}

// Handler receives every inbound message, on the transport's reader
// goroutine. Transports never call it from inside one of their methods, so
// a caller may hold its own lock across a Transport call.
type Handler func(msg splitflap.Message)

// Command names on the wire.
const (
	CmdConfig                  = "config"
	CmdOffsetIncrementTenth    = "offset_increment_tenth"
	CmdOffsetIncrementHalf     = "offset_increment_half"
	CmdOffsetIncrementByTenths = "offset_increment_by_tenths"
	CmdOffsetSetToCurrentStep  = "offset_set_to_current_step"
	CmdSaveAllOffsets          = "save_all_offsets"
	CmdRequestState            = "request_state"
)

// Request is one outbound line.
type Request struct {
	Cmd    string            `json:"cmd"`
	Nonce  uint32            `json:"nonce"`
	Module int               `json:"module,omitempty"`
	Tenths int               `json:"tenths,omitempty"`
	Config *splitflap.Config `json:"config,omitempty"`
}
