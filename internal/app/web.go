package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
	"github.com/relabs-tech/splitflap_panel/internal/store"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

type textRequest struct {
	Text string `json:"text"`
}

type moduleRequest struct {
	Module int `json:"module"`
	Flap   int `json:"flap,omitempty"`
}

type forceRequest struct {
	On bool `json:"on"`
}

// historySource is the part of the store the API reads.
type historySource interface {
	History(ctx context.Context, module, limit int) ([]store.Entry, error)
	LatestCommits(ctx context.Context) (map[int]int, error)
}

// RunWeb opens the controller, the calibration history and (if configured)
// MQTT, then serves the panel UI until interrupted.
func RunWeb() error {
	cfg := config.Get()

	hist, err := store.Open(cfg.CalibrationDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()
	log.Printf("web: calibration history at %s", cfg.CalibrationDBPath)

	p := panel.New(panelOptions(cfg, hist))
	tr, err := transport.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate, p.HandleMessage)
	if err != nil {
		return err
	}
	if err := p.Connect(tr); err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Losing the controller port ends the server.
	go func() {
		select {
		case <-tr.Done():
			log.Println("web: serial connection lost")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.StatePollInterval > 0 {
		go p.PollState(ctx, config.Millis(cfg.StatePollInterval))
	}

	if cfg.MQTTBroker != "" {
		client, publish, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDPanel)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		bridge := newMQTTBridge(p, publish, cfg)
		if err := bridge.subscribeText(client, cfg.TopicText); err != nil {
			return err
		}
		go bridge.run(ctx, 50*time.Millisecond)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: newServer(p, hist, cfg.WebRoot),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Println("web: shutting down")
	return nil
}

func panelOptions(cfg *config.Config, rec panel.Recorder) panel.Options {
	return panel.Options{
		ForceFullRotations: cfg.ForceFullRotations,
		RumblePeriod:       config.Millis(cfg.RumbleInterval),
		SaveDelay:          config.Millis(cfg.SaveDelay),
		LegacyTimeout:      config.Millis(cfg.LegacyTimeout),
		Recorder:           rec,
	}
}

// newServer builds the HTTP API. hist may be nil.
func newServer(p *panel.Panel, hist historySource, webRoot string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Snapshot())
	})

	mux.HandleFunc("POST /api/text", func(w http.ResponseWriter, r *http.Request) {
		var req textRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := p.SetText(req.Text); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p.Snapshot())
	})

	mux.HandleFunc("POST /api/reset", func(w http.ResponseWriter, r *http.Request) {
		var req moduleRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := p.ResetModule(req.Module); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/goto", func(w http.ResponseWriter, r *http.Request) {
		var req moduleRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := p.GoToFlap(req.Module, req.Flap); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/force_full_rotations", func(w http.ResponseWriter, r *http.Request) {
		var req forceRequest
		if !readJSON(w, r, &req) {
			return
		}
		p.SetForceFullRotations(req.On)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/save", func(w http.ResponseWriter, r *http.Request) {
		if err := p.SaveCalibration(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/logs", func(w http.ResponseWriter, r *http.Request) {
		lastN := queryInt(r, "last", 20)
		var after time.Time
		if s := r.URL.Query().Get("after"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				http.Error(w, "invalid after: "+err.Error(), http.StatusBadRequest)
				return
			}
			after = t
		}
		writeJSON(w, http.StatusOK, p.Logs(lastN, after))
	})

	mux.HandleFunc("GET /api/calibration/history", func(w http.ResponseWriter, r *http.Request) {
		if hist == nil {
			http.Error(w, "calibration history disabled", http.StatusNotFound)
			return
		}
		entries, err := hist.History(r.Context(), queryInt(r, "module", -1), queryInt(r, "limit", 100))
		if err != nil {
			log.Printf("web: history: %v", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("GET /api/calibration/latest", func(w http.ResponseWriter, r *http.Request) {
		if hist == nil {
			http.Error(w, "calibration history disabled", http.StatusNotFound)
			return
		}
		latest, err := hist.LatestCommits(r.Context())
		if err != nil {
			log.Printf("web: latest commits: %v", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, latest)
	})

	mux.HandleFunc("/ws/calibration", func(w http.ResponseWriter, r *http.Request) {
		handleCalibrationWS(p, w, r)
	})
	mux.HandleFunc("/ws/state", func(w http.ResponseWriter, r *http.Request) {
		handleStateWS(p, w, r)
	})

	// Static files for the panel UI
	if webRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(webRoot)))
	}
	return mux
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

// writeError maps panel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, panel.ErrIllegalText), errors.Is(err, panel.ErrInvalidModule):
		status = http.StatusBadRequest
	case errors.Is(err, panel.ErrNotConnected), errors.Is(err, panel.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
