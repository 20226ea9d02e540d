package qtm

import (
	"encoding/xml"
	"fmt"
)

// ParseError reports a parameter document that could not be decoded. It is a
// local, synchronous condition with no retry.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid parameter document: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// XML shapes for the parameter document. Any of the three sections may be
// absent; an absent section yields empty corresponding Config fields.
type paramsDoc struct {
	General *generalSection `xml:"General"`
	The3D   *the3DSection   `xml:"The_3D"`
	The6D   *the6DSection   `xml:"The_6D"`
}

type generalSection struct {
	Frequency float64      `xml:"Frequency"`
	Cameras   []cameraElem `xml:"Camera"`
}

type cameraElem struct {
	ID             string        `xml:"ID"`
	Model          string        `xml:"Model"`
	Serial         string        `xml:"Serial"`
	Mode           string        `xml:"Mode"`
	VideoFrequency string        `xml:"Video_Frequency"`
	Position       *positionElem `xml:"Position"`
}

type positionElem struct {
	X float64 `xml:"X"`
	Y float64 `xml:"Y"`
	Z float64 `xml:"Z"`
}

type the3DSection struct {
	Labels []struct {
		Name string `xml:"Name"`
	} `xml:"Label"`
}

type the6DSection struct {
	Bodies []bodyElem `xml:"Body"`
	Euler  *eulerElem `xml:"Euler"`
}

type bodyElem struct {
	Name   string         `xml:"Name"`
	Points []positionElem `xml:"Point"`
}

type eulerElem struct {
	First  string `xml:"First"`
	Second string `xml:"Second"`
	Third  string `xml:"Third"`
}

// ParseParameters decodes a raw parameter document into a Config. Missing
// General, The_3D, or The_6D sections are not an error; a document that is
// not well-formed fails with a *ParseError.
func ParseParameters(doc []byte) (*Config, error) {
	var parsed paramsDoc
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return nil, &ParseError{Err: err}
	}

	cfg := &Config{}
	if parsed.General != nil {
		cfg.Frequency = parsed.General.Frequency
		cfg.Cameras = make([]Camera, 0, len(parsed.General.Cameras))
		for _, c := range parsed.General.Cameras {
			camera := Camera{
				ID:             c.ID,
				Model:          c.Model,
				Serial:         c.Serial,
				Mode:           c.Mode,
				VideoFrequency: c.VideoFrequency,
			}
			if c.Position != nil {
				camera.Position = &Position{X: c.Position.X, Y: c.Position.Y, Z: c.Position.Z}
			}
			cfg.Cameras = append(cfg.Cameras, camera)
		}
	}
	if parsed.The3D != nil {
		cfg.Markers = make([]string, 0, len(parsed.The3D.Labels))
		for _, l := range parsed.The3D.Labels {
			cfg.Markers = append(cfg.Markers, l.Name)
		}
	}
	if parsed.The6D != nil {
		cfg.Bodies = make([]Body, 0, len(parsed.The6D.Bodies))
		for _, b := range parsed.The6D.Bodies {
			body := Body{Name: b.Name, Points: make([]Position, 0, len(b.Points))}
			for _, p := range b.Points {
				body.Points = append(body.Points, Position{X: p.X, Y: p.Y, Z: p.Z})
			}
			cfg.Bodies = append(cfg.Bodies, body)
		}
		if parsed.The6D.Euler != nil {
			cfg.Euler = EulerOrder{
				First:  parsed.The6D.Euler.First,
				Second: parsed.The6D.Euler.Second,
				Third:  parsed.The6D.Euler.Third,
			}
		}
	}
	return cfg, nil
}
