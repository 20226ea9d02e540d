package qtm

// Position is a 3D coordinate. Units depend on context: parameter documents
// and frame packets report millimeters.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Camera describes one camera from the General parameters section.
type Camera struct {
	ID             string
	Model          string
	Serial         string
	Mode           string
	VideoFrequency string

	// Position is the camera location in millimeters, nil when the server
	// did not report one.
	Position *Position
}

// Body is a rigid body tracked in six degrees of freedom, defined by an
// ordered list of points.
type Body struct {
	Name   string
	Points []Position
}

// EulerOrder names the three rotation axes in the order the server reports
// body rotation angles (each one of pitch/roll/yaw).
type EulerOrder struct {
	First  string
	Second string
	Third  string
}

// Config is an immutable snapshot of the stream parameters negotiated with
// the capture server. It is constructed fresh each time streaming starts and
// discarded when streaming stops.
type Config struct {
	// Frequency is the capture frequency in Hz from the General section,
	// zero when not reported.
	Frequency float64
	Cameras   []Camera
	Markers   []string
	Bodies    []Body
	Euler     EulerOrder
}

// MarkerCount returns the number of labeled 3D markers.
func (c *Config) MarkerCount() int { return len(c.Markers) }

// BodyCount returns the number of rigid bodies.
func (c *Config) BodyCount() int { return len(c.Bodies) }

// CameraCount returns the number of cameras in the setup.
func (c *Config) CameraCount() int { return len(c.Cameras) }

// ChannelCount returns the total number of scalar channels the configuration
// produces: three position channels per marker plus three position and three
// rotation channels per body. Zero is a valid value meaning the server has no
// 3D or 6DOF data configured.
func (c *Config) ChannelCount() int {
	return 3*c.MarkerCount() + 6*c.BodyCount()
}
