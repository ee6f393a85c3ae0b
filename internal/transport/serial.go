// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
)

// Serial speaks newline-delimited JSON to the controller over a serial port.
type Serial struct {
	port    io.ReadWriteCloser
	handler Handler

	mu     sync.Mutex // guards writes, nonce and closed
	nonce  uint32
	closed bool

	done chan struct{}
}

// OpenSerial opens portName and starts the reader goroutine. h is called
// for every decoded message.
func OpenSerial(portName string, baudRate int, h Handler) (*Serial, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", portName, err)
	}
	log.Printf("serial: opened %s at %d baud", portName, baudRate)

	return NewSerial(port, h), nil
}

// NewSerial wraps an already open port.
func NewSerial(port io.ReadWriteCloser, h Handler) *Serial {
	s := &Serial{
		port:    port,
		handler: h,
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Serial) readLoop() {
	defer close(s.done)
	reader := bufio.NewReader(s.port)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !s.isClosed() {
				log.Printf("serial: read error: %v", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Anything that is not a JSON object is boot noise from the
		// controller; pass it through as a log line.
		if !strings.HasPrefix(line, "{") {
			s.dispatch(splitflap.Message{Payload: splitflap.PayloadLog, Log: &splitflap.Log{Msg: line}})
			continue
		}

		var msg splitflap.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Printf("serial: message unmarshal error: %v (line: %q)", err, line)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Serial) dispatch(msg splitflap.Message) {
	if s.handler != nil {
		s.handler(msg)
	}
}

func (s *Serial) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Serial) send(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.nonce++
	req.Nonce = s.nonce
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("serial: marshal %s: %w", req.Cmd, err)
	}
	payload = append(payload, '\n')
	if _, err := s.port.Write(payload); err != nil {
		return fmt.Errorf("serial: write %s: %w", req.Cmd, err)
	}
	return nil
}

func (s *Serial) SendConfig(cfg splitflap.Config) error {
	c := cfg.Clone()
	return s.send(Request{Cmd: CmdConfig, Config: &c})
}

func (s *Serial) OffsetIncrementTenth(module int) error {
	return s.send(Request{Cmd: CmdOffsetIncrementTenth, Module: module})
}

func (s *Serial) OffsetIncrementHalf(module int) error {
	return s.send(Request{Cmd: CmdOffsetIncrementHalf, Module: module})
}

func (s *Serial) OffsetIncrementByTenths(module, tenths int) error {
	return s.send(Request{Cmd: CmdOffsetIncrementByTenths, Module: module, Tenths: tenths})
}

func (s *Serial) OffsetSetToCurrentStep(module int) error {
	return s.send(Request{Cmd: CmdOffsetSetToCurrentStep, Module: module})
}

func (s *Serial) SaveAllOffsets() error {
	return s.send(Request{Cmd: CmdSaveAllOffsets})
}

func (s *Serial) RequestState() error {
	return s.send(Request{Cmd: CmdRequestState})
}

// Done is closed once the reader goroutine has exited, either after Close
// or when the port fails.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

// Close closes the port. The reader exits on its next read error.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.port.Close()
}
