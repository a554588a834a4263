// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package key

import "golang.org/x/image/math/fixed"

// Tile geometry. TTS coordinates are tile-local 26.6 fixed point.
const (
	TileWidth     = 16
	TileHeight    = 16
	TileWidthLog  = 4
	TileHeightLog = 4

	// SubpixelScale is the number of sub-pixel steps per pixel.
	SubpixelScale = 64

	// TTSMax is the largest tile-local TTS coordinate.
	TTSMax = TileWidth * SubpixelScale
)

// TTSEmpty marks an unused word pair in a trace subpixel block.
const TTSEmpty = 0xFFFFFFFF

// TTS is one tile-local line segment as stored in a TTSB: two 32-bit words
// holding the start point and the end point, each x | y<<16.
type TTS struct {
	X0, Y0, X1, Y1 fixed.Int26_6
}

// Words encodes s. Coordinates are clamped to [0, TTSMax].
func (s TTS) Words() (uint32, uint32) {
	return ttsPoint(s.X0, s.Y0), ttsPoint(s.X1, s.Y1)
}

// DecodeTTS decodes a word pair written by [TTS.Words]. ok is false for an
// empty slot.
func DecodeTTS(w0, w1 uint32) (s TTS, ok bool) {
	if w0 == TTSEmpty || w1 == TTSEmpty {
		return TTS{}, false
	}
	return TTS{
		X0: fixed.Int26_6(w0 & 0xFFFF), Y0: fixed.Int26_6(w0 >> 16),
		X1: fixed.Int26_6(w1 & 0xFFFF), Y1: fixed.Int26_6(w1 >> 16),
	}, true
}

// Cover returns the signed vertical extent of s in sub-pixels.
func (s TTS) Cover() int32 { return int32(s.Y1 - s.Y0) }

func ttsPoint(x, y fixed.Int26_6) uint32 {
	return uint32(clampTTS(x)) | uint32(clampTTS(y))<<16
}

func clampTTS(v fixed.Int26_6) fixed.Int26_6 {
	if v < 0 {
		return 0
	}
	if v > TTSMax {
		return TTSMax
	}
	return v
}

// Path node tags. A tagged id packs a subblock id with the kind of element
// stored there.
const (
	TagLine      = 0
	TagQuad      = 1
	TagCubic     = 2
	TagRatQuad   = 3
	TagRatCubic  = 4
	TagNext      = 30
	TagInvalid   = 31
	TagBits      = 5
	TagMask      = 1<<TagBits - 1
	TaggedVoid   = 0xFFFFFFFF
	PrimKinds    = 5
	taggedIDBits = 32 - TagBits
)

// Tagged is a tagged subblock id as stored in path nodes.
type Tagged uint32

// PackTagged packs a subblock id and a tag.
func PackTagged(subblock, tag uint32) Tagged {
	return Tagged(subblock<<TagBits | tag&TagMask)
}

// Subblock returns the subblock id.
func (t Tagged) Subblock() uint32 { return uint32(t) >> TagBits & (1<<taggedIDBits - 1) }

// Tag returns the tag.
func (t Tagged) Tag() uint32 { return uint32(t) & TagMask }

// IsPrim reports whether t references path geometry.
func (t Tagged) IsPrim() bool { return t.Tag() < PrimKinds }

// PrimWords returns the number of float32 words a prim of the given tag
// occupies, or 0 for a non-prim tag.
func PrimWords(tag uint32) int {
	switch tag {
	case TagLine:
		return 4
	case TagQuad:
		return 6
	case TagCubic:
		return 8
	case TagRatQuad:
		return 7
	case TagRatCubic:
		return 10
	default:
		return 0
	}
}
