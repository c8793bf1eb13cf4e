// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout accumulates probe measurements into the final layout
// report.
package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"artprobe/internal/probe"
)

// Key groups measurements by target architecture and Android API level.
type Key struct {
	Arch     string
	APILevel int
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%d", k.Arch, k.APILevel)
}

// Table is the aggregated layout report. Multiple release tags can share
// an API level yet disagree on layout (pre-release churn); the table keeps
// every distinct observation per key rather than picking one.
//
// Table is safe for concurrent use.
type Table struct {
	mu   sync.Mutex
	data map[Key]map[string]struct{}
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{data: make(map[Key]map[string]struct{})}
}

// Add records one measurement string under k. Duplicate observations
// collapse into one entry.
func (t *Table) Add(k Key, measurement string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.data[k]
	if !ok {
		set = make(map[string]struct{})
		t.data[k] = set
	}
	set[measurement] = struct{}{}
}

// Get returns the sorted measurements recorded under k.
func (t *Table) Get(k Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sorted(k)
}

func (t *Table) sorted(k Key) []string {
	set := t.data[k]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders the table as an object mapping "<arch>-<apilevel>"
// to the sorted list of distinct measurements, with keys ordered by
// architecture then API level.
func (t *Table) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]Key, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Arch != keys[j].Arch {
			return keys[i].Arch < keys[j].Arch
		}
		return keys[i].APILevel < keys[j].APILevel
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		name, err := json.Marshal(k.String())
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		vals, err := json.Marshal(t.sorted(k))
		if err != nil {
			return nil, err
		}
		buf.Write(vals)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Measurement formats a probe outcome as the stable key-value string
// recorded in the table: the class size followed by each field's offset.
// The sentinel -1 encodes "header absent", -2 "member removed".
func Measurement(fields []string, o probe.Outcome) string {
	var sentinel int
	switch o.Kind {
	case probe.KindHeaderAbsent:
		sentinel = -1
	case probe.KindMemberRemoved:
		sentinel = -2
	}

	var b strings.Builder
	if o.Kind == probe.KindMeasured {
		fmt.Fprintf(&b, "size=%d", o.Size)
	} else {
		fmt.Fprintf(&b, "size=%d", sentinel)
	}

	for i, f := range fields {
		name := strings.TrimSuffix(f, "_")
		if o.Kind == probe.KindMeasured {
			fmt.Fprintf(&b, " %s=%d", name, o.Offsets[i])
		} else {
			fmt.Fprintf(&b, " %s=%d", name, sentinel)
		}
	}
	return b.String()
}
