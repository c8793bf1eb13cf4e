// Copyright The artprobe Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// sectionLine matches one line of an objdump section dump: leading
// whitespace, the address column, then the grouped hex bytes ending at the
// wide gap that starts the ASCII rendition.
var sectionLine = regexp.MustCompile(`(?m)^\s+\d+\s+([\w\s]+)\s{2,}`)

// parseSection decodes the textual objdump -s dump of the initialized-data
// section back into the uint32 values the compiler wrote there, in order.
// Values are little-endian; trailing bytes that do not fill a word are
// dropped.
func parseSection(dump string) ([]uint32, error) {
	var hexBytes strings.Builder
	for _, m := range sectionLine.FindAllStringSubmatch(dump, -1) {
		hexBytes.WriteString(strings.ReplaceAll(m[1], " ", ""))
	}

	raw, err := hex.DecodeString(hexBytes.String())
	if err != nil {
		return nil, fmt.Errorf("malformed section dump: %w", err)
	}

	values := make([]uint32, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		values = append(values, binary.LittleEndian.Uint32(raw[i:i+4]))
	}
	return values, nil
}
