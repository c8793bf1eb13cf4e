// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe compiles synthetic measurement programs against historical
// ART sources and decodes struct layout facts from the produced objects.
package probe

import (
	"artprobe/internal/android"
)

// Request drives one probe compilation.
type Request struct {
	// Header is the art-repo-relative path of the header declaring Class.
	Header string
	// Class is the fully qualified C++ class to measure.
	Class string
	// Fields are the data members whose offsets are measured, in order.
	Fields []string

	Version android.Version
	Arch    string
}

// Kind discriminates probe outcomes.
type Kind int

const (
	// KindMeasured means the probe compiled and the layout was decoded.
	KindMeasured Kind = iota
	// KindHeaderAbsent means the target header does not exist at this
	// version; no compiler was invoked.
	KindHeaderAbsent
	// KindMemberRemoved means compilation failed with a diagnostic known
	// to mean the class or field does not exist at this version.
	KindMemberRemoved
)

// Outcome is the result of one probe. Fatal conditions (toolchain
// misconfiguration, unrecognized compiler diagnostics) are returned as
// errors, not Outcomes.
type Outcome struct {
	Kind Kind

	// Size and Offsets are only set for KindMeasured. Offsets holds one
	// entry per requested field, in request order.
	Size    uint32
	Offsets []uint32

	// Diagnostic holds the full compiler output for KindMemberRemoved,
	// kept so misclassifications can be audited later.
	Diagnostic string
}

// Measured reports whether the probe produced layout facts.
func (o Outcome) Measured() bool { return o.Kind == KindMeasured }
