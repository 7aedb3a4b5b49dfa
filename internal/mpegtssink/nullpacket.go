package mpegtssink

// tsPacketSize is the fixed MPEG-TS packet size in bytes.
const tsPacketSize = 188

// nullTSPacket returns one 188-byte MPEG-TS null packet: sync byte 0x47,
// PID 0x1FFF (all payload_unit_start/transport_error bits clear), and a
// transport_scrambling/adaptation/continuity byte of 0x10 (payload only, cc
// 0), with the remaining 184 bytes as stuffing. Writing one at stop time
// guarantees the total output byte count is a multiple of 188.
func nullTSPacket() []byte {
	p := make([]byte, tsPacketSize)
	p[0] = 0x47
	p[1] = 0x1F // PID high bits: 0x1FFF
	p[2] = 0xFF // PID low bits
	p[3] = 0x10
	for i := 4; i < tsPacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}
