package qtm

// Rotation holds the three euler angles of a body pose, in degrees, in the
// axis order the server was configured with.
type Rotation struct {
	A1 float64
	A2 float64
	A3 float64
}

// BodyPose is one rigid body sample from a 6DOF-euler frame component.
// Position is in millimeters.
type BodyPose struct {
	Position Position
	Rotation Rotation
}

// Component3D is the 3D marker component of a frame packet. Marker positions
// are in millimeters, in server-reported order.
type Component3D struct {
	Markers []Position
}

// Component6DEuler is the 6DOF-euler component of a frame packet, in
// server-reported body order.
type Component6DEuler struct {
	Bodies []BodyPose
}

// Packet is one frame delivered by the capture server. A nil component means
// the packet does not carry it, which is distinct from a component with zero
// markers or bodies.
type Packet struct {
	Frame     uint32
	Timestamp uint64
	The3D     *Component3D
	The6D     *Component6DEuler
}
