package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
)

// RunConsoleMQTT prints the panel's state and log topics until interrupted.
func RunConsoleMQTT() error {
	cfg := config.Get()

	client, _, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	// Subscribe to state snapshots
	stateToken := client.Subscribe(cfg.TopicState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var snap panel.Snapshot
		if err := json.Unmarshal(msg.Payload(), &snap); err != nil {
			log.Printf("console: state unmarshal error: %v", err)
			return
		}
		fmt.Println(formatSnapshot(snap))
	})
	stateToken.Wait()
	if stateToken.Error() != nil {
		return stateToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicState)

	// Subscribe to controller logs
	logToken := client.Subscribe(cfg.TopicLog, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var line panel.LogLine
		if err := json.Unmarshal(msg.Payload(), &line); err != nil {
			log.Printf("console: log unmarshal error: %v", err)
			return
		}
		fmt.Printf("[LOG ] %s %s\n", line.At.Format("15:04:05.000"), line.Msg)
	})
	logToken.Wait()
	if logToken.Error() != nil {
		return logToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicLog)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

// formatSnapshot renders a snapshot as one console line per module plus a
// header with the display text.
func formatSnapshot(snap panel.Snapshot) string {
	var b strings.Builder
	flags := ""
	if snap.OutdatedFirmware {
		flags += " OUTDATED-FIRMWARE"
	}
	if snap.UnsavedCalibration {
		flags += " UNSAVED"
	}
	fmt.Fprintf(&b, "[TEXT] %q%s", snap.Text, flags)
	for _, m := range snap.Modules {
		moving := ""
		if m.Moving {
			moving = " moving"
		}
		fmt.Fprintf(&b, "\n  %3d %q flap=%2d target=%2d %-13s missed=%d unexpected=%d%s",
			m.Index, m.Flap, m.FlapIndex, m.TargetFlapIndex, m.State, m.CountMissedHome, m.CountUnexpectedHome, moving)
		if m.Calibration != nil {
			fmt.Fprintf(&b, " [cal %s tenths=%d]", m.Calibration.StepName, m.Calibration.TenthsOffset)
		}
	}
	return b.String()
}
