package lsl

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"qlsl-bridge/internal/qtm"
)

func testConfig(markers, bodies int) *qtm.Config {
	cfg := &qtm.Config{
		Frequency: 100,
		Euler:     qtm.EulerOrder{First: "Roll", Second: "Pitch", Third: "Yaw"},
	}
	for i := 0; i < markers; i++ {
		cfg.Markers = append(cfg.Markers, fmt.Sprintf("marker_%d", i+1))
	}
	for i := 0; i < bodies; i++ {
		cfg.Bodies = append(cfg.Bodies, qtm.Body{
			Name:   fmt.Sprintf("body_%d", i+1),
			Points: []qtm.Position{{X: 1, Y: 2, Z: 3}},
		})
	}
	return cfg
}

func TestNewMetadata_channelLayout(t *testing.T) {
	cfg := testConfig(2, 1)
	m, err := NewMetadata(cfg, "127.0.0.1", 22223)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}

	if m.ChannelCount != cfg.ChannelCount() {
		t.Errorf("ChannelCount = %d, want %d", m.ChannelCount, cfg.ChannelCount())
	}
	if m.SourceID != "127.0.0.1:22223" {
		t.Errorf("SourceID = %q", m.SourceID)
	}
	if m.NominalRate != 100 {
		t.Errorf("NominalRate = %v, want 100", m.NominalRate)
	}

	wantLabels := []string{
		"marker_1_X", "marker_1_Y", "marker_1_Z",
		"marker_2_X", "marker_2_Y", "marker_2_Z",
		"body_1_X", "body_1_Y", "body_1_Z",
		"body_1_R", "body_1_P", "body_1_H",
	}
	if len(m.Desc.Channels) != len(wantLabels) {
		t.Fatalf("got %d channels, want %d", len(m.Desc.Channels), len(wantLabels))
	}
	for i, want := range wantLabels {
		if got := m.Desc.Channels[i].Label; got != want {
			t.Errorf("channel %d label = %q, want %q", i, got, want)
		}
	}
	// Positions in meters, orientations in degrees.
	for i, ch := range m.Desc.Channels {
		wantUnit := "meters"
		if strings.HasPrefix(ch.Type, "Orientation") {
			wantUnit = "degrees"
		}
		if ch.Unit != wantUnit {
			t.Errorf("channel %d unit = %q, want %q", i, ch.Unit, wantUnit)
		}
	}
}

func TestNewMetadata_bodyOnly(t *testing.T) {
	m, err := NewMetadata(testConfig(0, 1), "host", 22223)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	if len(m.Desc.Channels) != 6 {
		t.Fatalf("got %d channels, want 6", len(m.Desc.Channels))
	}
	for i := 0; i < 3; i++ {
		if !strings.HasPrefix(m.Desc.Channels[i].Type, "Position") {
			t.Errorf("channel %d type = %q, want position", i, m.Desc.Channels[i].Type)
		}
	}
	for i := 3; i < 6; i++ {
		if !strings.HasPrefix(m.Desc.Channels[i].Type, "Orientation") {
			t.Errorf("channel %d type = %q, want orientation", i, m.Desc.Channels[i].Type)
		}
	}
}

func TestNewMetadata_eulerCaseInsensitive(t *testing.T) {
	cfg := testConfig(0, 1)
	cfg.Euler = qtm.EulerOrder{First: "PITCH", Second: "roll", Third: "Yaw"}
	m, err := NewMetadata(cfg, "host", 22223)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	got := []string{m.Desc.Channels[3].Label, m.Desc.Channels[4].Label, m.Desc.Channels[5].Label}
	want := []string{"body_1_P", "body_1_R", "body_1_H"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("orientation label %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewMetadata_unknownEulerAngle(t *testing.T) {
	cfg := testConfig(0, 1)
	cfg.Euler.Second = "tilt"
	_, err := NewMetadata(cfg, "host", 22223)
	if err == nil {
		t.Fatal("expected error for unknown euler angle")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("expected *ConfigError, got %T: %v", err, err)
	}
}

func TestNewMetadata_cameraSetup(t *testing.T) {
	cfg := testConfig(1, 0)
	cfg.Cameras = []qtm.Camera{
		{ID: "1", Model: "Oqus 300", Serial: "SN0001", Mode: "Marker",
			Position: &qtm.Position{X: 1000, Y: -500.5, Z: 0}},
		{ID: "2"},
	}
	m, err := NewMetadata(cfg, "host", 22223)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	if len(m.Desc.Setup.Cameras) != 2 {
		t.Fatalf("got %d cameras, want 2", len(m.Desc.Setup.Cameras))
	}
	pos := m.Desc.Setup.Cameras[0].Position
	if pos == nil {
		t.Fatal("first camera position missing")
	}
	if pos.X != "1" || pos.Y != "-0.5005" || pos.Z != "0" {
		t.Errorf("camera position = %+v, want meters 1/-0.5005/0", pos)
	}
	if m.Desc.Setup.Cameras[1].Position != nil {
		t.Error("second camera should have no position")
	}
}

func TestMillimetersToMeters(t *testing.T) {
	cases := []struct {
		mm   float64
		want float64
	}{
		{0, 0},
		{1, 0.001},
		{1000, 1.0},
		{-500.5, -0.5005},
	}
	for _, c := range cases {
		if got := MillimetersToMeters(c.mm); got != c.want {
			t.Errorf("MillimetersToMeters(%v) = %v, want %v", c.mm, got, c.want)
		}
	}
}

func TestMetadata_xmlDocument(t *testing.T) {
	m, err := NewMetadata(testConfig(0, 1), "127.0.0.1", 22223)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	doc, err := m.XML()
	if err != nil {
		t.Fatalf("XML: %v", err)
	}

	want := []string{
		"<info>",
		"<name>Qualisys</name>",
		"<type>Mocap</type>",
		"<channel_count>6</channel_count>",
		"<nominal_srate>100</nominal_srate>",
		"<channel_format>float32</channel_format>",
		"<source_id>127.0.0.1:22223</source_id>",
		"<desc>",
		"<channels>",
		"<channel>",
		"<label>body_1_X</label>",
		"<object>body_1</object>",
		"<type>PositionX</type>",
		"<unit>meters</unit>",
		"</channel>",
	}
	got := make([]string, 0, len(want))
	for _, line := range strings.Split(string(doc), "\n") {
		got = append(got, strings.TrimSpace(line))
	}
	for i, line := range want {
		if i >= len(got) {
			t.Fatalf("document ends before line %d, want %q", i, line)
		}
		if got[i] != line {
			t.Fatalf("line %d = %q, want %q", i, got[i], line)
		}
	}
	if !strings.Contains(string(doc), "<model>Qualisys</model>") {
		t.Error("acquisition model missing")
	}
}

// Metadata channel order and sample append order must match index by index.
// Marker and body positions are seeded so that channel k carries the value
// k for positions (via the mm to m conversion) and k+0.5 for orientation
// angles, then each channel's declared unit is checked against the value
// that actually landed there.
func TestMetadata_orderMatchesConverter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		markers := rng.Intn(6)
		bodies := rng.Intn(4)
		cfg := testConfig(markers, bodies)

		m, err := NewMetadata(cfg, "host", 22223)
		if err != nil {
			t.Fatalf("NewMetadata: %v", err)
		}

		pkt := &qtm.Packet{}
		k := 0.0
		if markers > 0 || trial%2 == 0 {
			pkt.The3D = &qtm.Component3D{}
			for i := 0; i < markers; i++ {
				pkt.The3D.Markers = append(pkt.The3D.Markers, qtm.Position{
					X: k * 1000, Y: (k + 1) * 1000, Z: (k + 2) * 1000,
				})
				k += 3
			}
		}
		if bodies > 0 || trial%2 == 0 {
			pkt.The6D = &qtm.Component6DEuler{}
			for i := 0; i < bodies; i++ {
				pkt.The6D.Bodies = append(pkt.The6D.Bodies, qtm.BodyPose{
					Position: qtm.Position{X: k * 1000, Y: (k + 1) * 1000, Z: (k + 2) * 1000},
					Rotation: qtm.Rotation{A1: k + 3 + 0.5, A2: k + 4 + 0.5, A3: k + 5 + 0.5},
				})
				k += 6
			}
		}

		sample := PacketToSample(cfg, pkt)
		if len(sample) != m.ChannelCount {
			t.Fatalf("trial %d: sample length %d != channel count %d",
				trial, len(sample), m.ChannelCount)
		}
		for i, ch := range m.Desc.Channels {
			want := float64(i)
			if ch.Unit == "degrees" {
				want += 0.5
			}
			if sample[i] != want {
				t.Fatalf("trial %d: channel %d (%s, %s) = %v, want %v",
					trial, i, ch.Label, ch.Unit, sample[i], want)
			}
		}
	}
}
