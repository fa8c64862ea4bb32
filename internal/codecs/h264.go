// Package codecs inspects H.264 Annex-B access units produced by the video
// encoder and repackages them for the Matroska muxer.
package codecs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	idrNALUType    = 5
	spsNALUType    = 7
	ppsNALUType    = 8
	audNALUType    = 9
	fillerNALUType = 12

	naluTypeBitmask = 0x1F

	avcLengthSize = 4
)

var errShortSPS = errors.New("sps too short")

// NALUType returns the type of one NAL unit.
func NALUType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & naluTypeBitmask
}

// EmitNALUs calls emit for every NAL unit of an Annex-B byte stream. Input
// without a start code is emitted as a single unit.
func EmitNALUs(nals []byte, emit func([]byte)) {
	// query start code
	nextInd := func(nalu []byte, start int) (indStart int, indLen int) {
		zeroCount := 0

		for i, b := range nalu[start:] {
			if b == 0 {
				zeroCount++
				continue
			} else if b == 1 {
				if zeroCount >= 2 {
					return start + i - zeroCount, zeroCount + 1
				}
			}
			zeroCount = 0
		}
		return -1, -1
	}

	nextIndStart, nextIndLen := nextInd(nals, 0)
	if nextIndStart == -1 {
		if len(nals) > 0 {
			emit(nals)
		}
		return
	}
	for nextIndStart != -1 {
		prevStart := nextIndStart + nextIndLen
		nextIndStart, nextIndLen = nextInd(nals, prevStart)
		var nalu []byte
		if nextIndStart != -1 {
			nalu = nals[prevStart:nextIndStart]
		} else {
			// Emit until end of stream, no end indicator found
			nalu = nals[prevStart:]
		}
		if len(nalu) > 0 {
			emit(nalu)
		}
	}
}

// IsKeyframe reports whether the access unit contains an IDR slice.
func IsKeyframe(au []byte) bool {
	keyframe := false
	EmitNALUs(au, func(nalu []byte) {
		if NALUType(nalu) == idrNALUType {
			keyframe = true
		}
	})
	return keyframe
}

// ParameterSets returns the first SPS and PPS of the access unit.
func ParameterSets(au []byte) (sps, pps []byte) {
	EmitNALUs(au, func(nalu []byte) {
		switch NALUType(nalu) {
		case spsNALUType:
			if sps == nil {
				sps = nalu
			}
		case ppsNALUType:
			if pps == nil {
				pps = nalu
			}
		}
	})
	return sps, pps
}

// ToAVC rewrites an Annex-B access unit with 4-byte length prefixes,
// dropping access unit delimiters and filler data.
func ToAVC(au []byte) []byte {
	out := make([]byte, 0, len(au)+avcLengthSize)
	EmitNALUs(au, func(nalu []byte) {
		switch NALUType(nalu) {
		case audNALUType, fillerNALUType:
			return
		}
		var naluLength [avcLengthSize]byte
		binary.BigEndian.PutUint32(naluLength[:], uint32(len(nalu)))
		out = append(out, naluLength[:]...)
		out = append(out, nalu...)
	})
	return out
}

// DecoderConfig builds an AVCDecoderConfigurationRecord (avcC) for one SPS
// and one PPS.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", errShortSPS, len(sps))
	}
	if len(pps) == 0 {
		return nil, errors.New("missing pps")
	}

	record := []byte{
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFC | (avcLengthSize - 1),
		0xE0 | 1, // one SPS
	}
	record = binary.BigEndian.AppendUint16(record, uint16(len(sps)))
	record = append(record, sps...)
	record = append(record, 1) // one PPS
	record = binary.BigEndian.AppendUint16(record, uint16(len(pps)))
	record = append(record, pps...)
	return record, nil
}
