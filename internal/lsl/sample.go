package lsl

import "qlsl-bridge/internal/qtm"

// PacketToSample flattens one frame packet into a sample, reproducing the
// exact channel order NewMetadata describes: marker positions first, then
// per body its position followed by its three rotation angles. Positions are
// converted millimeters to meters; angles pass through unmodified (already
// degrees). A component the packet does not carry contributes no channels at
// all, so the result length depends on the packet, not only on cfg; the link
// checks the length against cfg.ChannelCount(), not this function.
func PacketToSample(cfg *qtm.Config, pkt *qtm.Packet) []float64 {
	sample := make([]float64, 0, cfg.ChannelCount())
	if pkt.The3D != nil {
		for _, marker := range pkt.The3D.Markers {
			sample = append(sample,
				MillimetersToMeters(marker.X),
				MillimetersToMeters(marker.Y),
				MillimetersToMeters(marker.Z),
			)
		}
	}
	if pkt.The6D != nil {
		for _, body := range pkt.The6D.Bodies {
			sample = append(sample,
				MillimetersToMeters(body.Position.X),
				MillimetersToMeters(body.Position.Y),
				MillimetersToMeters(body.Position.Z),
				body.Rotation.A1,
				body.Rotation.A2,
				body.Rotation.A3,
			)
		}
	}
	return sample
}
