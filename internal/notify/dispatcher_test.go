package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
	return r.err
}

func (r *recordingSink) wait(t *testing.T, n int) []Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestDispatcher_Detect(t *testing.T) {
	tests := []struct {
		name  string
		steps []engine.Snapshot
		want  [][]Kind
	}{
		{
			name: "rising edge only",
			steps: []engine.Snapshot{
				{},
				{Alerts: engine.Alerts{BadAlert: true}},
				{Alerts: engine.Alerts{BadAlert: true}},
				{},
				{Alerts: engine.Alerts{BadAlert: true}},
			},
			want: [][]Kind{nil, {KindBadPosture}, nil, nil, {KindBadPosture}},
		},
		{
			name: "bad to warning",
			steps: []engine.Snapshot{
				{Alerts: engine.Alerts{BadAlert: true}},
				{Alerts: engine.Alerts{WarningAlert: true}},
			},
			want: [][]Kind{{KindBadPosture}, {KindWarningPosture}},
		},
		{
			name: "no face and posture together",
			steps: []engine.Snapshot{
				{Alerts: engine.Alerts{WarningAlert: true, NoFaceAlert: true}},
			},
			want: [][]Kind{{KindWarningPosture, KindNoFace}},
		},
		{
			name: "eye strain only on escalation",
			steps: []engine.Snapshot{
				{EyeStrainSeverity: engine.EyeStrainLow, EyeStrainEscalated: true, Alerts: engine.Alerts{LowBlinkRateAlert: true}},
				{EyeStrainSeverity: engine.EyeStrainLow, Alerts: engine.Alerts{LowBlinkRateAlert: true}},
				{EyeStrainSeverity: engine.EyeStrainSerious, EyeStrainEscalated: true, Alerts: engine.Alerts{SeriousEyeStrain: true}},
			},
			want: [][]Kind{{KindLowBlinkRate}, nil, {KindSeriousEyeStrain}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(Options{InstanceID: "desk"})
			for i, s := range tt.steps {
				got := kinds(d.Detect(s))
				if len(got) != len(tt.want[i]) {
					t.Fatalf("step %d: got %v, want %v", i, got, tt.want[i])
				}
				for j := range got {
					if got[j] != tt.want[i][j] {
						t.Errorf("step %d: got %v, want %v", i, got, tt.want[i])
					}
				}
			}
		})
	}
}

func TestDispatcher_EventFields(t *testing.T) {
	d := NewDispatcher(Options{InstanceID: "desk-1"})
	size := 0.61
	events := d.Detect(engine.Snapshot{
		PostureStatus:    engine.PostureBad,
		SmoothedFaceSize: &size,
		FrameCount:       42,
		Alerts:           engine.Alerts{BadAlert: true},
	})
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	ev := events[0]
	if ev.ID == "" || ev.InstanceID != "desk-1" || ev.Message != "BAD POSTURE DETECTED - Move back from screen!" {
		t.Errorf("event: %+v", ev)
	}

	data, err := ev.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["kind"] != "bad_posture" || decoded["posture_status"] != "bad" || decoded["smoothed_face_size"] != 0.61 {
		t.Errorf("payload: %s", data)
	}
}

func TestDispatcher_DeliversToSinks(t *testing.T) {
	m := metrics.New()
	ok := newRecordingSink()
	failing := newRecordingSink()
	failing.err = errors.New("broker down")

	d := NewDispatcher(Options{Metrics: m, Sinks: []Sink{ok, failing}})
	d.Start(context.Background())
	defer d.Stop()

	d.PublishSnapshot(engine.Snapshot{Alerts: engine.Alerts{NoFaceAlert: true}})

	got := ok.wait(t, 1)
	failing.wait(t, 1)
	if got[0].Kind != KindNoFace {
		t.Errorf("kind: %v", got[0].Kind)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.NotifyErrors.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.AlertsEmitted.Load() != 1 || m.NotifyErrors.Load() != 1 {
		t.Errorf("metrics: emitted %d errors %d", m.AlertsEmitted.Load(), m.NotifyErrors.Load())
	}
}

func TestDispatcher_ResetAndStop(t *testing.T) {
	d := NewDispatcher(Options{})
	active := engine.Snapshot{Alerts: engine.Alerts{BadAlert: true}}
	d.Detect(active)
	if len(d.Detect(active)) != 0 {
		t.Fatal("sustained alert re-emitted")
	}
	d.Reset()
	if len(d.Detect(active)) != 1 {
		t.Error("alert not re-emitted after Reset")
	}

	d.Stop() // not started
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}

func TestMQTTConfig_Topic(t *testing.T) {
	cfg := MQTTConfig{TopicPrefix: "posture/", InstanceID: "desk-1"}
	if got := cfg.Topic(); got != "posture/desk-1/alerts" {
		t.Errorf("topic: %s", got)
	}
	if got := (MQTTConfig{Broker: "localhost:1883"}).brokerURL(); got != "tcp://localhost:1883" {
		t.Errorf("broker: %s", got)
	}
	if got := (MQTTConfig{Broker: "ssl://broker:8883"}).brokerURL(); got != "ssl://broker:8883" {
		t.Errorf("broker: %s", got)
	}
}

func TestMQTTSink_SendWhileDisconnected(t *testing.T) {
	s := NewMQTTSink(MQTTConfig{Broker: "localhost:1", InstanceID: "test", TopicPrefix: "posture"})
	if err := s.Send(context.Background(), Event{Kind: KindNoFace}); err == nil {
		t.Error("expected error while disconnected")
	}
	if st := s.Stats(); st.Errors != 1 || st.Connected {
		t.Errorf("stats: %+v", st)
	}
}
