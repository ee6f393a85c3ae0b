package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

// HomeTestInterval is how often the home monitor asks for state.
const HomeTestInterval = 100 * time.Millisecond

// homeReport lists every module whose home sensor is active.
func homeReport(at time.Time, st splitflap.State) []string {
	var out []string
	for i, m := range st.Modules {
		if m.HomeSensor {
			out = append(out, fmt.Sprintf("[%.3f] Module %d: HOME detected at flap %d",
				float64(at.UnixNano())/1e9, i, m.FlapIndex))
		}
	}
	return out
}

// RunHomeTest polls the controller and prints home sensor hits to out
// until ctx is done.
func RunHomeTest(ctx context.Context, out io.Writer) error {
	cfg := config.Get()

	tr, err := transport.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate, func(msg splitflap.Message) {
		if msg.Payload != splitflap.PayloadState || msg.State == nil {
			return
		}
		for _, line := range homeReport(time.Now(), *msg.State) {
			fmt.Fprintln(out, line)
		}
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	return pollHome(ctx, tr, HomeTestInterval)
}

func pollHome(ctx context.Context, tr transport.Transport, interval time.Duration) error {
	log.Println("hometest: monitoring home sensors, press Ctrl+C to exit")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := tr.RequestState(); err != nil {
			return fmt.Errorf("hometest: request state: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
