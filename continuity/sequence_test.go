package continuity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceAllStepsSucceed(t *testing.T) {
	{
		s := New()
		err := s.Thenf("encode archive", func() error {
			return nil
		}).Err()
		require.NoError(t, err)
	}
	{
		s := New()
		err := s.Thenf("encode archive", func() error {
			return nil
		}).
			Thenf("register in index", func() error {
				return nil
			}).
			Thenf("flush index", func() error {
				return nil
			}).Err()
		require.NoError(t, err)
	}
}

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	encodeRan := false
	registerRan := false
	flushRan := false
	mutateSourcesRan := false

	s := New()
	err := s.
		Thenf("encode archive", func() error {
			encodeRan = true
			return nil
		}).
		Thenf("register in index", func() error {
			registerRan = true
			return nil
		}).
		Thenf("flush index", func() error {
			flushRan = true
			return errors.New("disk full")
		}).
		Thenf("mutate source files", func() error {
			mutateSourcesRan = true
			return nil
		}).
		Err()
	require.Error(t, err)
	require.Equal(t, "flush index: disk full", err.Error())

	require.True(t, encodeRan)
	require.True(t, registerRan)
	require.True(t, flushRan)
	require.False(t, mutateSourcesRan)
}

func TestSequenceThenCollectsMultipleErrors(t *testing.T) {
	validateRan := false
	writeRan := false

	s := New()
	err := s.
		Thenf("encode archive", func() error {
			validateRan = true
			return nil
		}).
		Then("validate and register",
			errors.New("bad magic"),
			errors.New("checksum mismatch"),
		).
		Thenf("write source", func() error {
			writeRan = true
			return nil
		}).
		Err()
	require.Error(t, err)
	require.Equal(t, "multiple step failures: validate and register: bad magic, validate and register: checksum mismatch", err.Error())

	require.True(t, validateRan)
	require.False(t, writeRan)
}
