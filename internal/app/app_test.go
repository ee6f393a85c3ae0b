package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/splitflap_panel/internal/calibration"
	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/flaps"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
	"github.com/relabs-tech/splitflap_panel/internal/splitflap"
	"github.com/relabs-tech/splitflap_panel/internal/store"
	"github.com/relabs-tech/splitflap_panel/internal/transport"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// newMockPanel returns a panel connected to a simulated controller that
// has already reported its modules and flap set.
func newMockPanel(t *testing.T, modules int, set string, step time.Duration, opts panel.Options) (*panel.Panel, *transport.Mock) {
	t.Helper()
	p := panel.New(opts)
	mock := transport.NewMock(modules, []byte(set), step, p.HandleMessage)
	if err := p.Connect(mock); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	eventually(t, "initial state", func() bool {
		snap := p.Snapshot()
		return snap.Ready && len(snap.Modules) == modules && snap.FlapSet == set
	})
	return p, mock
}

type fakeHistory struct {
	module, limit int
}

func (f *fakeHistory) History(_ context.Context, module, limit int) ([]store.Entry, error) {
	f.module, f.limit = module, limit
	return []store.Entry{{ID: 1, Kind: store.KindCommit, Module: module, TenthsOffset: 5}}, nil
}

func (f *fakeHistory) LatestCommits(context.Context) (map[int]int, error) {
	return map[int]int{0: 4, 2: 6}, nil
}

func TestWebAPI(t *testing.T) {
	p, _ := newMockPanel(t, 3, " ABC", time.Hour, panel.Options{})
	hist := &fakeHistory{}
	srv := httptest.NewServer(newServer(p, hist, ""))
	defer srv.Close()

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post("/api/text", `{"text":"cab"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("text: status %d", resp.StatusCode)
	}
	if got := p.Config().Targets(); got[0] != 3 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("unexpected targets %v", got)
	}
	if resp := post("/api/text", `{"text":"xyz"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("illegal text: status %d", resp.StatusCode)
	}
	if resp := post("/api/text", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body: status %d", resp.StatusCode)
	}
	if resp := post("/api/reset", `{"module":7}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid module: status %d", resp.StatusCode)
	}
	if resp := post("/api/reset", `{"module":2}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}
	if p.Config().Modules[2].ResetNonce != 1 {
		t.Fatalf("reset nonce not bumped")
	}
	if resp := post("/api/goto", `{"module":0,"flap":2}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("goto: status %d", resp.StatusCode)
	}
	if resp := post("/api/save", ``); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("save: status %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	defer resp.Body.Close()
	var snap panel.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(snap.Modules) != 3 || snap.Modules[0].TargetFlapIndex != 2 || snap.FlapSet != " ABC" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	resp, err = http.Get(srv.URL + "/api/calibration/history?module=1&limit=5")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || hist.module != 1 || hist.limit != 5 {
		t.Fatalf("history: status %d module %d limit %d", resp.StatusCode, hist.module, hist.limit)
	}

	resp, err = http.Get(srv.URL + "/api/calibration/latest")
	if err != nil {
		t.Fatalf("GET latest: %v", err)
	}
	defer resp.Body.Close()
	var latest map[int]int
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if len(latest) != 2 || latest[0] != 4 || latest[2] != 6 {
		t.Fatalf("unexpected latest commits %v", latest)
	}

	resp, err = http.Get(srv.URL + "/api/logs?after=yesterday")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad after: status %d", resp.StatusCode)
	}
}

func TestWebLogs(t *testing.T) {
	p, mock := newMockPanel(t, 2, " AB", time.Hour, panel.Options{})
	srv := httptest.NewServer(newServer(p, nil, ""))
	defer srv.Close()

	// The mock logs every offset change.
	for i := 0; i < 3; i++ {
		if err := mock.OffsetIncrementTenth(0); err != nil {
			t.Fatalf("nudge: %v", err)
		}
	}
	eventually(t, "mock logs", func() bool { return len(p.Logs(0, time.Time{})) >= 3 })

	resp, err := http.Get(srv.URL + "/api/logs?last=2")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()
	var lines []panel.LogLine
	if err := json.NewDecoder(resp.Body).Decode(&lines); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(lines) != 2 || !strings.Contains(lines[1].Msg, "offset now 3 tenths") {
		t.Fatalf("unexpected logs %+v", lines)
	}

	resp, err = http.Get(srv.URL + "/api/calibration/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("history without a store: status %d", resp.StatusCode)
	}
}

func TestCalibrationWebSocket(t *testing.T) {
	p, _ := newMockPanel(t, 3, " ABCDE", time.Hour, panel.Options{})
	srv := httptest.NewServer(newServer(p, nil, ""))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/calibration"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// readUntil skips pushed updates until one matches.
	readUntil := func(match func(WSResponse) bool) WSResponse {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var resp WSResponse
			if err := conn.ReadJSON(&resp); err != nil {
				t.Fatalf("read: %v", err)
			}
			if match(resp) {
				return resp
			}
		}
	}

	if err := conn.WriteJSON(WSMessage{Action: "continue"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(func(r WSResponse) bool { return r.Type == "error" })

	steps := []struct {
		msg  WSMessage
		want string
	}{
		{WSMessage{Action: "open", Module: 1}, "FIND_FLAP_BOUNDARY"},
		{WSMessage{Action: "set_advanced", Value: 1}, "FIND_FLAP_BOUNDARY"},
		{WSMessage{Action: "continue"}, "ADVANCED_ADJUST_FLAP_OFFSET"},
		{WSMessage{Action: "select_flap", Value: 2}, "VERIFY_HOME_ADVANCED"},
	}
	var last WSResponse
	for _, s := range steps {
		if err := conn.WriteJSON(s.msg); err != nil {
			t.Fatalf("write %s: %v", s.msg.Action, err)
		}
		last = readUntil(func(r WSResponse) bool { return r.Type == "state" && r.Step == s.want })
	}
	if last.Module != 1 || len(last.Choices) != 3 || last.Choices[1].Flap != ' ' {
		t.Fatalf("unexpected verify response %+v", last)
	}
	if got := p.Config().Modules[1].TargetFlapIndex; got != 4 {
		t.Fatalf("expected target (6-2)%%6 = 4, got %d", got)
	}

	if err := conn.WriteJSON(WSMessage{Action: "verify", Value: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readUntil(func(r WSResponse) bool { return r.Type == "state" && r.Step == "FIND_FLAP_BOUNDARY" })
	if resp.State == nil || resp.State.TenthsOffset != 4 {
		t.Fatalf("wrong verification should lower tenths to 4: %+v", resp.State)
	}

	// Dropping the socket closes the dialog.
	conn.Close()
	eventually(t, "dialog closed on disconnect", func() bool {
		st, err := p.CalibrationState(1)
		return err == nil && !st.DialogOpen
	})
}

func TestCalibrationWizard(t *testing.T) {
	p, mock := newMockPanel(t, 2, " ABCD", time.Millisecond, panel.Options{SaveDelay: time.Millisecond})

	inR, inW := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- RunCalibrationWizard(context.Background(), inR, &out, p, 0)
	}()

	step := func() calibration.Step {
		st, _ := p.CalibrationState(0)
		return st.Step
	}
	write := func(s string) {
		t.Helper()
		if _, err := io.WriteString(inW, s); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}

	eventually(t, "dialog open", func() bool {
		st, _ := p.CalibrationState(0)
		return st.DialogOpen
	})
	write("\n")
	eventually(t, "adjust step", func() bool { return step() == calibration.AdjustWholeFlapOffset })
	write("a\n")
	eventually(t, "calibrating", func() bool { return step() == calibration.Calibrating })
	eventually(t, "module at target", func() bool {
		m := p.Snapshot().Modules[0]
		return m.FlapIndex == 4 && !m.Moving
	})
	write("\n")
	eventually(t, "dialog closed", func() bool {
		st, _ := p.CalibrationState(0)
		return !st.DialogOpen
	})
	write("y\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wizard: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("wizard did not finish")
	}
	eventually(t, "offsets saved", func() bool { return mock.SavedOffsets()[0] == 5 })
	if !strings.Contains(out.String(), "Calibration complete.") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWizardEvent(t *testing.T) {
	set := flaps.Set([]rune(" ABQ"))
	advanced := calibration.State{Step: calibration.FindFlapBoundary, Advanced: true, DialogOpen: true}
	basic := calibration.State{Step: calibration.FindFlapBoundary, DialogOpen: true}
	adjust := calibration.State{Step: calibration.AdjustWholeFlapOffset, DialogOpen: true}
	verify := calibration.State{Step: calibration.VerifyThird, DialogOpen: true}

	tests := []struct {
		name    string
		st      calibration.State
		line    string
		want    calibration.Event
		wantErr bool
	}{
		{"continue", basic, "", calibration.EvContinue{}, false},
		{"nudge", basic, "t", calibration.EvNudgeTenth{}, false},
		{"advanced toggle", basic, "a", calibration.EvSetAdvanced{On: true}, false},
		{"rumble needs advanced", basic, "r", nil, true},
		{"rumble", advanced, "r", calibration.EvSetRumble{On: true}, false},
		{"tenths", advanced, "7", calibration.EvSetTenths{Tenths: 7}, false},
		{"tenths out of range", advanced, "11", nil, true},
		{"select by char", adjust, "b", calibration.EvSelectFlap{Index: 2}, false},
		{"q is a flap while selecting", adjust, "q", calibration.EvSelectFlap{Index: 3}, false},
		{"select blank", adjust, "", calibration.EvSelectFlap{Index: 0}, false},
		{"select by index", adjust, "#1", calibration.EvSelectFlap{Index: 1}, false},
		{"select unknown", adjust, "z", nil, true},
		{"verify prev", verify, "-", calibration.EvVerify{Offset: -1}, false},
		{"verify ok", verify, "", calibration.EvVerify{Offset: 0}, false},
		{"garbage", verify, "??", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wizardEvent(tt.st, set, tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}

	if _, err := wizardEvent(basic, set, "q"); err != errQuit {
		t.Fatalf("q should quit outside selection, got %v", err)
	}
}

type published struct {
	topic    string
	retained bool
	payload  string
}

func TestMQTTBridge(t *testing.T) {
	p, mock := newMockPanel(t, 2, " HI", time.Hour, panel.Options{})

	var msgs []published
	cfg := config.Default()
	bridge := newMQTTBridge(p, func(topic string, retained bool, payload []byte) error {
		msgs = append(msgs, published{topic, retained, string(payload)})
		return nil
	}, cfg)

	bridge.handleText([]byte("hi\n"))
	if got := p.Config().Targets(); got[0] != 1 || got[1] != 2 {
		t.Fatalf("plain text not applied: %v", got)
	}
	bridge.handleText([]byte(`{"text":"ih"}`))
	if got := p.Config().Targets(); got[0] != 2 || got[1] != 1 {
		t.Fatalf("json text not applied: %v", got)
	}
	bridge.handleText([]byte("nope"))
	if got := p.Config().Targets(); got[0] != 2 {
		t.Fatalf("illegal text must be ignored: %v", got)
	}

	bridge.flush()
	if len(msgs) != 1 || msgs[0].topic != cfg.TopicState || !msgs[0].retained {
		t.Fatalf("expected one retained state publish, got %+v", msgs)
	}
	bridge.flush()
	if len(msgs) != 1 {
		t.Fatalf("unchanged snapshot must not be republished")
	}

	_ = mock.OffsetIncrementHalf(1)
	eventually(t, "log line", func() bool { return len(p.Logs(0, time.Time{})) > 0 })
	bridge.flush()
	var logs int
	for _, m := range msgs {
		if m.topic == cfg.TopicLog {
			logs++
			if m.retained || !strings.Contains(m.payload, "offset now 5 tenths") {
				t.Fatalf("unexpected log publish %+v", m)
			}
		}
	}
	if logs != 1 {
		t.Fatalf("expected one log publish, got %d", logs)
	}
}

func TestProduceText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		msgs []published
	)
	publish := func(topic string, retained bool, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		msgs = append(msgs, published{topic, retained, string(payload)})
		if len(msgs) == 3 {
			cancel()
		}
		return nil
	}

	if err := produceText(ctx, publish, "splitflap/text", []string{"A", "B"}, time.Millisecond); err != nil {
		t.Fatalf("produceText: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"text":"A"}`, `{"text":"B"}`, `{"text":"A"}`}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d publishes, got %+v", len(want), msgs)
	}
	for i, m := range msgs {
		if m.topic != "splitflap/text" || m.retained || m.payload != want[i] {
			t.Fatalf("publish %d = %+v, want %s", i, m, want[i])
		}
	}
}

func TestProduceTextWithoutWords(t *testing.T) {
	publish := func(string, bool, []byte) error {
		t.Fatalf("nothing should be published")
		return nil
	}
	if err := produceText(context.Background(), publish, "splitflap/text", nil, time.Millisecond); err == nil {
		t.Fatalf("expected an error for an empty word list")
	}
}

func TestWaitModules(t *testing.T) {
	p, _ := newMockPanel(t, 2, " AB", time.Millisecond, panel.Options{})

	if err := waitModules(context.Background(), p, 1, time.Second); err != nil {
		t.Fatalf("waitModules: %v", err)
	}
	err := waitModules(context.Background(), p, 5, 20*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "module 5") {
		t.Fatalf("expected timeout for missing module, got %v", err)
	}
}

func TestSnapshotLines(t *testing.T) {
	if got := snapshotLines(panel.Snapshot{}, false); got[1] != "Waiting..." {
		t.Fatalf("unexpected idle lines %v", got)
	}

	snap := panel.Snapshot{
		Text: strings.Repeat("A", 20),
		Modules: []panel.ModuleView{
			{Index: 0, State: "NORMAL", Moving: true},
			{Index: 1, State: "SENSOR_ERROR"},
			{Index: 2, State: "NORMAL", Calibration: &panel.CalibrationView{StepName: "CONFIRM"}},
		},
		UnsavedCalibration: true,
	}
	got := snapshotLines(snap, true)
	want := []string{strings.Repeat("A", oledColumns), "AA", "M:3 mv:1 err:1", "CAL 2"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}

	img := renderSnapshot(snap, true)
	if img.Bounds().Dx() != oledWidth || img.Bounds().Dy() != oledHeight {
		t.Fatalf("unexpected image bounds %v", img.Bounds())
	}
	lit := false
	for _, b := range img.Pix {
		if b != 0 {
			lit = true
			break
		}
	}
	if !lit {
		t.Fatalf("rendered image is blank")
	}
}

func TestRenderLinesOneGlyphPerRune(t *testing.T) {
	img := renderLines("\u00c9A")

	lit := func(x0, x1 int) bool {
		for x := x0; x < x1; x++ {
			for y := 0; y < oledLine+2; y++ {
				if img.At(x, y) == image1bit.On {
					return true
				}
			}
		}
		return false
	}
	if !lit(7, 14) {
		t.Fatalf("second rune should be drawn in the second cell")
	}
	if lit(14, 21) {
		t.Fatalf("a two-byte rune must take a single cell")
	}
}

func TestHomeReport(t *testing.T) {
	st := splitflap.State{Modules: []splitflap.ModuleState{
		{FlapIndex: 0, HomeSensor: true},
		{FlapIndex: 5},
		{FlapIndex: 39, HomeSensor: true},
	}}
	lines := homeReport(time.Unix(12, 500_000_000), st)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if lines[0] != "[12.500] Module 0: HOME detected at flap 0" || !strings.HasSuffix(lines[1], "Module 2: HOME detected at flap 39") {
		t.Fatalf("unexpected report %q", lines)
	}
}

func TestPollHome(t *testing.T) {
	var (
		mu     sync.Mutex
		states int
	)
	mock := transport.NewMock(2, nil, time.Hour, func(msg splitflap.Message) {
		if msg.Payload == splitflap.PayloadState {
			mu.Lock()
			states++
			mu.Unlock()
		}
	})
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pollHome(ctx, mock, time.Millisecond) }()

	eventually(t, "polled states", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return states >= 5
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func TestFormatSnapshot(t *testing.T) {
	s := formatSnapshot(panel.Snapshot{
		Text:             "HI",
		OutdatedFirmware: true,
		Modules:          []panel.ModuleView{{Index: 0, Flap: "H", FlapIndex: 8, TargetFlapIndex: 8, State: "NORMAL"}},
	})
	if !strings.HasPrefix(s, `[TEXT] "HI" OUTDATED-FIRMWARE`) || !strings.Contains(s, "flap= 8 target= 8") {
		t.Fatalf("unexpected console line:\n%s", s)
	}
}
