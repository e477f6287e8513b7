package server

import (
	"encoding/binary"
	"fmt"
)

// decodeWAV extracts the PCM payload from a RIFF WAV container. It walks the
// chunk list rather than assuming the canonical 44-byte header, since
// browser-produced files often carry LIST or fact chunks before data.
func decodeWAV(raw []byte) ([]byte, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("server: audio payload is not a RIFF WAV file")
	}

	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(raw) {
			return nil, fmt.Errorf("server: wav chunk %q overruns the payload", id)
		}
		if id == "data" {
			return raw[body : body+size], nil
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	return nil, fmt.Errorf("server: wav payload has no data chunk")
}
