// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artprobe/internal/probe"
)

func TestTableDeduplicates(t *testing.T) {
	tbl := NewTable()
	k := Key{Arch: "arm", APILevel: 23}

	tbl.Add(k, "size=72 access_flags=4")
	tbl.Add(k, "size=72 access_flags=4")

	assert.Equal(t, []string{"size=72 access_flags=4"}, tbl.Get(k))
}

func TestTableKeepsDistinctObservations(t *testing.T) {
	tbl := NewTable()
	k := Key{Arch: "arm64", APILevel: 29}

	// Pre-release tags sharing an API level may disagree on layout.
	tbl.Add(k, "size=72 access_flags=4")
	tbl.Add(k, "size=80 access_flags=8")

	assert.Equal(t, []string{
		"size=72 access_flags=4",
		"size=80 access_flags=8",
	}, tbl.Get(k))
}

func TestTableMarshalJSON(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Key{Arch: "x86", APILevel: 21}, "size=64 access_flags=4")
	tbl.Add(Key{Arch: "arm", APILevel: 22}, "size=64 access_flags=4")
	tbl.Add(Key{Arch: "arm", APILevel: 21}, "size=64 access_flags=4")
	tbl.Add(Key{Arch: "arm", APILevel: 21}, "size=-1 access_flags=-1")

	got, err := json.Marshal(tbl)
	require.NoError(t, err)

	want := `{` +
		`"arm-21":["size=-1 access_flags=-1","size=64 access_flags=4"],` +
		`"arm-22":["size=64 access_flags=4"],` +
		`"x86-21":["size=64 access_flags=4"]` +
		`}`
	assert.JSONEq(t, want, string(got))
	// Key order is architecture then API level.
	assert.Equal(t, want, string(got))
}

func TestMeasurement(t *testing.T) {
	fields := []string{"access_flags_"}

	m := Measurement(fields, probe.Outcome{
		Kind:    probe.KindMeasured,
		Size:    72,
		Offsets: []uint32{4},
	})
	assert.Equal(t, "size=72 access_flags=4", m)

	m = Measurement(fields, probe.Outcome{Kind: probe.KindHeaderAbsent})
	assert.Equal(t, "size=-1 access_flags=-1", m)

	m = Measurement(fields, probe.Outcome{Kind: probe.KindMemberRemoved})
	assert.Equal(t, "size=-2 access_flags=-2", m)
}

func TestMeasurementMultipleFields(t *testing.T) {
	m := Measurement([]string{"access_flags_", "field_dex_idx_"}, probe.Outcome{
		Kind:    probe.KindMeasured,
		Size:    16,
		Offsets: []uint32{4, 8},
	})
	assert.Equal(t, "size=16 access_flags=4 field_dex_idx=8", m)
}
