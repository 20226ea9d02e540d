// Package lsl builds the self-describing outlet metadata for a capture
// configuration and converts frame packets into flat samples.
//
// Metadata channel order and sample append order are the same contract:
// any channel added to NewMetadata must be added in the same relative
// position in PacketToSample, and vice versa.
package lsl

import (
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"qlsl-bridge/internal/qtm"
)

// Fixed identity the outlet advertises.
const (
	StreamName       = "Qualisys"
	StreamType       = "Mocap"
	AcquisitionModel = "Qualisys"

	// ChannelFormatFloat32 is the declared per-channel wire format.
	ChannelFormatFloat32 = "float32"
)

// ConfigError reports a configuration that cannot be described as outlet
// metadata.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "unusable stream configuration: " + e.Reason
}

// eulerComponents maps the server's euler angle names to channel component
// letters. Lookup is case-insensitive.
var eulerComponents = map[string]string{
	"pitch": "P",
	"roll":  "R",
	"yaw":   "H",
}

// Channel describes one scalar slot in an outlet sample.
type Channel struct {
	Label  string `xml:"label"`
	Marker string `xml:"marker,omitempty"`
	Object string `xml:"object,omitempty"`
	Type   string `xml:"type"`
	Unit   string `xml:"unit"`
}

// MarkerInfo names one 3D marker in the setup section.
type MarkerInfo struct {
	Label string `xml:"label"`
}

// ObjectInfo names one rigid body in the setup section.
type ObjectInfo struct {
	Class string `xml:"class"`
	Label string `xml:"label"`
}

// CameraPosition is a camera location in meters, formatted to six decimals.
type CameraPosition struct {
	X string `xml:"X"`
	Y string `xml:"Y"`
	Z string `xml:"Z"`
}

// CameraInfo describes one camera in the setup section.
type CameraInfo struct {
	Label          string          `xml:"label"`
	Model          string          `xml:"model,omitempty"`
	Serial         string          `xml:"serial,omitempty"`
	Mode           string          `xml:"mode,omitempty"`
	VideoFrequency string          `xml:"video_frequency,omitempty"`
	Position       *CameraPosition `xml:"position,omitempty"`
}

// Setup is the descriptive part of the metadata: what the capture volume
// contains, as opposed to how the channels are laid out.
type Setup struct {
	Markers []MarkerInfo `xml:"markers>marker"`
	Objects []ObjectInfo `xml:"objects>object"`
	Cameras []CameraInfo `xml:"cameras>camera"`
}

// Acquisition identifies the capture system.
type Acquisition struct {
	Model string `xml:"model"`
}

// Desc is the descriptive tree published alongside the channel layout.
type Desc struct {
	Channels    []Channel   `xml:"channels>channel"`
	Setup       Setup       `xml:"setup"`
	Acquisition Acquisition `xml:"acquisition"`
}

// Metadata is the write-once description of an outlet's channel layout,
// paired 1:1 with the Config it was built from.
type Metadata struct {
	XMLName       xml.Name `xml:"info"`
	Name          string   `xml:"name"`
	Type          string   `xml:"type"`
	ChannelCount  int      `xml:"channel_count"`
	NominalRate   float64  `xml:"nominal_srate"`
	ChannelFormat string   `xml:"channel_format"`
	SourceID      string   `xml:"source_id"`

	// UID is assigned by the outlet at construction, not by the builder,
	// so that metadata generation stays deterministic.
	UID string `xml:"uid,omitempty"`

	Desc Desc `xml:"desc"`
}

// XML renders the metadata as an indented XML document.
func (m *Metadata) XML() ([]byte, error) {
	return xml.MarshalIndent(m, "", "  ")
}

// NewMetadata builds outlet metadata from a capture configuration. Channels
// are emitted in insertion order of markers then bodies: per marker X,Y,Z
// position in meters, per body X,Y,Z position in meters followed by the
// three rotation angles in the configured euler order, in degrees. An
// unrecognized euler angle name fails with *ConfigError.
func NewMetadata(cfg *qtm.Config, host string, port int) (*Metadata, error) {
	m := &Metadata{
		Name:          StreamName,
		Type:          StreamType,
		ChannelCount:  cfg.ChannelCount(),
		NominalRate:   cfg.Frequency,
		ChannelFormat: ChannelFormatFloat32,
		SourceID:      fmt.Sprintf("%s:%d", host, port),
	}
	m.Desc.Acquisition.Model = AcquisitionModel

	for _, marker := range cfg.Markers {
		m.Desc.Setup.Markers = append(m.Desc.Setup.Markers, MarkerInfo{Label: marker})
		for _, axis := range [3]string{"X", "Y", "Z"} {
			m.Desc.Channels = append(m.Desc.Channels, Channel{
				Label:  marker + "_" + axis,
				Marker: marker,
				Type:   "Position" + axis,
				Unit:   "meters",
			})
		}
	}

	for _, body := range cfg.Bodies {
		m.Desc.Setup.Objects = append(m.Desc.Setup.Objects, ObjectInfo{
			Class: "Rigid",
			Label: body.Name,
		})
		for _, axis := range [3]string{"X", "Y", "Z"} {
			m.Desc.Channels = append(m.Desc.Channels, Channel{
				Label:  body.Name + "_" + axis,
				Object: body.Name,
				Type:   "Position" + axis,
				Unit:   "meters",
			})
		}
		for _, angle := range [3]string{cfg.Euler.First, cfg.Euler.Second, cfg.Euler.Third} {
			component, ok := eulerComponents[strings.ToLower(angle)]
			if !ok {
				return nil, &ConfigError{Reason: fmt.Sprintf("unknown euler angle %q", angle)}
			}
			m.Desc.Channels = append(m.Desc.Channels, Channel{
				Label:  body.Name + "_" + component,
				Object: body.Name,
				Type:   "Orientation" + component,
				Unit:   "degrees",
			})
		}
	}

	for _, camera := range cfg.Cameras {
		info := CameraInfo{
			Label:          camera.ID,
			Model:          camera.Model,
			Serial:         camera.Serial,
			Mode:           camera.Mode,
			VideoFrequency: camera.VideoFrequency,
		}
		if camera.Position != nil {
			info.Position = &CameraPosition{
				X: formatMeters(camera.Position.X),
				Y: formatMeters(camera.Position.Y),
				Z: formatMeters(camera.Position.Z),
			}
		}
		m.Desc.Setup.Cameras = append(m.Desc.Setup.Cameras, info)
	}

	return m, nil
}

// MillimetersToMeters converts a millimeter coordinate to meters rounded to
// six decimals. Every position field in metadata and samples goes through
// this one function.
func MillimetersToMeters(mm float64) float64 {
	return math.Round(mm/1000*1e6) / 1e6
}

func formatMeters(mm float64) string {
	return strconv.FormatFloat(MillimetersToMeters(mm), 'g', -1, 64)
}
