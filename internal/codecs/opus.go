package codecs

import "encoding/binary"

const (
	opusPreSkip    = 312
	opusSampleRate = 48000
)

// OpusHead builds the identification header Matroska carries as the
// CodecPrivate of an A_OPUS track (RFC 7845, mapping family 0).
func OpusHead(channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}
	head := []byte("OpusHead")
	head = append(head, 1, byte(channels))
	head = binary.LittleEndian.AppendUint16(head, opusPreSkip)
	head = binary.LittleEndian.AppendUint32(head, opusSampleRate)
	head = binary.LittleEndian.AppendUint16(head, 0) // output gain
	head = append(head, 0)                           // channel mapping family
	return head
}
