// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is one operator action from the calibration dialog.
type WSMessage struct {
	Action string `json:"action"` // open, close, continue, verify, select_flap, save, ...
	Module int    `json:"module,omitempty"`
	Value  int    `json:"value,omitempty"`
}

// WSResponse is sent after every action and whenever the module moves.
type WSResponse struct {
	Type     string               `json:"type"` // state, saved, error
	Module   int                  `json:"module"`
	Step     string               `json:"step,omitempty"`
	State    *calibration.State   `json:"state,omitempty"`
	Choices  []calibration.Choice `json:"choices,omitempty"`
	Moving   bool                 `json:"moving"`
	Flap     string               `json:"flap,omitempty"`
	Unsaved  bool                 `json:"unsaved_calibration"`
	Message  string               `json:"message,omitempty"`
	Rumbling bool                 `json:"rumbling,omitempty"`
}

// calibrationConn is one browser tab driving one module's calibration.
type calibrationConn struct {
	p      *panel.Panel
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
	module int
	bound  bool
	last   []byte
}

func handleCalibrationWS(p *panel.Panel, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("calibration: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &calibrationConn{p: p, conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.pushChanges(ctx)

	// Main message loop
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("calibration: websocket read error: %v", err)
			}
			break
		}
		c.handle(ctx, msg)
	}

	// A dropped tab must not leave the other modules rumbling.
	if module, bound := c.binding(); bound {
		if _, err := p.CloseCalibration(context.Background(), module); err != nil && !errors.Is(err, panel.ErrClosed) {
			log.Printf("calibration: close module %d on disconnect: %v", module, err)
		}
	}
}

func (c *calibrationConn) binding() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.module, c.bound
}

func (c *calibrationConn) handle(ctx context.Context, msg WSMessage) {
	if msg.Action == "save" {
		if err := c.p.SaveCalibration(ctx); err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(WSResponse{Type: "saved", Message: "saving calibration, check the logs to confirm"})
		return
	}

	prev, bound := c.binding()
	module := prev
	if msg.Action == "open" {
		module = msg.Module
	} else if !bound {
		c.sendError("send open with a module first")
		return
	}

	ev, err := calibration.ParseEvent(msg.Action, msg.Value)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if _, err := c.p.Calibrate(ctx, module, ev); err != nil {
		c.sendError(err.Error())
		return
	}
	if msg.Action == "open" {
		if bound && prev != module {
			// Switching modules closes the previous dialog.
			_, _ = c.p.CloseCalibration(ctx, prev)
		}
		c.mu.Lock()
		c.module, c.bound = module, true
		c.mu.Unlock()
	}
	c.sendState(true)
}

// pushChanges re-sends the module view whenever it changes, so the dialog
// sees the module stop moving.
func (c *calibrationConn) pushChanges(ctx context.Context) {
	sub := c.p.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			c.sendState(false)
		}
	}
}

// sendState writes the module view. The view is read under the write lock
// so pushes never overtake a newer state.
func (c *calibrationConn) sendState(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound {
		return
	}
	module := c.module
	resp := WSResponse{Type: "state", Module: module}
	snap := c.p.Snapshot()
	resp.Unsaved = snap.UnsavedCalibration
	if module < len(snap.Modules) {
		mv := snap.Modules[module]
		resp.Moving = mv.Moving
		resp.Flap = mv.Flap
		if mv.Calibration != nil {
			st := mv.Calibration.State
			resp.State = &st
			resp.Step = mv.Calibration.StepName
			resp.Choices = mv.Calibration.Choices
			resp.Rumbling = mv.Calibration.Rumbling
		}
	}
	if resp.State == nil {
		if st, err := c.p.CalibrationState(module); err == nil {
			resp.State = &st
			resp.Step = st.Step.String()
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("calibration: marshal response: %v", err)
		return
	}
	if !force && string(payload) == string(c.last) {
		return
	}
	c.last = payload
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("calibration: websocket write error: %v", err)
	}
}

func (c *calibrationConn) send(resp WSResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		log.Printf("calibration: websocket write error: %v", err)
	}
}

func (c *calibrationConn) sendError(message string) {
	module, _ := c.binding()
	c.send(WSResponse{Type: "error", Module: module, Message: message})
}

// handleStateWS streams panel snapshots to a browser tab.
func handleStateWS(p *panel.Panel, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub := p.Subscribe()
	defer sub.Cancel()

	if err := conn.WriteJSON(p.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(p.Snapshot()); err != nil {
				log.Printf("web: state websocket write error: %v", err)
				return
			}
		}
	}
}
