package app

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
)

const (
	oledWidth   = 128
	oledHeight  = 64
	oledLine    = 13 // basicfont.Face7x13 line height
	oledColumns = oledWidth / 7
)

// displayData holds the latest snapshot received over MQTT.
type displayData struct {
	mu       sync.RWMutex
	snap     panel.Snapshot
	haveSnap bool
}

// RunDisplay mirrors the panel onto a 128x64 SSD1306 OLED.
func RunDisplay() error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	// The driver always talks to 0x3C.
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Println("display: initialized at 0x3C")

	if err := dev.Draw(dev.Bounds(), renderLines("Split-flap", "panel", "Waiting..."), image.Point{}); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	data := &displayData{}

	client, _, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	token := client.Subscribe(cfg.TopicState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var snap panel.Snapshot
		if err := json.Unmarshal(msg.Payload(), &snap); err != nil {
			log.Printf("display: state unmarshal error: %v", err)
			return
		}
		data.mu.Lock()
		data.snap = snap
		data.haveSnap = true
		data.mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("display: subscribed to %s", cfg.TopicState)

	// Display update loop
	interval := config.Millis(cfg.DisplayUpdateInterval)
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for range ticker.C {
		data.mu.RLock()
		snap, have := data.snap, data.haveSnap
		data.mu.RUnlock()

		if err := dev.Draw(dev.Bounds(), renderSnapshot(snap, have), image.Point{}); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}

	return nil
}

// snapshotLines lays a snapshot out as at most four display lines.
func snapshotLines(snap panel.Snapshot, have bool) []string {
	if !have {
		return []string{"Split-flap", "Waiting..."}
	}

	lines := wrapText(snap.Text, oledColumns, 2)
	moving, faults, calibrating := 0, 0, -1
	for _, m := range snap.Modules {
		if m.Moving {
			moving++
		}
		if m.State != "NORMAL" {
			faults++
		}
		if m.Calibration != nil && calibrating < 0 {
			calibrating = m.Index
		}
	}
	lines = append(lines, fmt.Sprintf("M:%d mv:%d err:%d", len(snap.Modules), moving, faults))

	switch {
	case calibrating >= 0:
		lines = append(lines, fmt.Sprintf("CAL %d", calibrating))
	case snap.UnsavedCalibration:
		lines = append(lines, "UNSAVED CAL")
	case snap.OutdatedFirmware:
		lines = append(lines, "OLD FIRMWARE")
	}
	return lines
}

// wrapText splits s into at most maxLines lines of width columns.
func wrapText(s string, width, maxLines int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 && len(out) < maxLines {
		n := width
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

func renderSnapshot(snap panel.Snapshot, have bool) *image1bit.VerticalLSB {
	return renderLines(snapshotLines(snap, have)...)
}

func renderLines(lines ...string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, oledWidth, oledHeight))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}

	for i, line := range lines {
		if i >= oledHeight/oledLine {
			break
		}
		drawer.Dot = fixed.P(0, (i+1)*oledLine)
		drawer.DrawString(line)
	}
	return img
}
