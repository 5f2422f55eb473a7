package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndHasPiece(t *testing.T) {
	bf := New(9)
	require.Len(t, bf, 2)

	assert.False(t, bf.HasPiece(0))
	bf.SetPiece(0)
	assert.True(t, bf.HasPiece(0))
	assert.False(t, bf.HasPiece(1))

	bf.SetPiece(8)
	assert.True(t, bf.HasPiece(8))
}

func TestHasPieceOutOfRangeIsFalse(t *testing.T) {
	bf := New(4)
	assert.False(t, bf.HasPiece(-1))
	assert.False(t, bf.HasPiece(100))
}

func TestSetPieceOutOfRangeIsIgnored(t *testing.T) {
	bf := New(4)
	assert.NotPanics(t, func() {
		bf.SetPiece(-1)
		bf.SetPiece(100)
	})
}

func TestValidateRejectsWrongLength(t *testing.T) {
	bf := Bitfield{0x00}
	err := Validate(bf, 9)
	require.Error(t, err)
}

func TestValidateRejectsNonZeroPadBits(t *testing.T) {
	bf := New(9)
	bf[1] = 0x7f // sets all 7 pad bits of the trailing byte
	err := Validate(bf, 9)
	require.Error(t, err)
}

func TestValidateAcceptsCleanBitfield(t *testing.T) {
	bf := New(9)
	bf.SetPiece(0)
	bf.SetPiece(8)
	require.NoError(t, Validate(bf, 9))
}

func TestCount(t *testing.T) {
	bf := New(10)
	bf.SetPiece(1)
	bf.SetPiece(3)
	bf.SetPiece(9)
	assert.Equal(t, 3, bf.Count(10))
}
