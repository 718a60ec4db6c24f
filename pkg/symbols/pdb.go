// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package symbols

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// ErrNoPDBInfo is returned when an image contains no RSDS debug directory.
var ErrNoPDBInfo = errors.New("no PDB debug info found in image")

// rsdsMagic is the 4-byte signature of a CodeView RSDS debug directory
// entry embedded in a PE image.
var rsdsMagic = [4]byte{'R', 'S', 'D', 'S'}

// PDBInfo identifies the PDB a PE image was built with: a name and a
// "GUID"+age identity string usable as-is against a Microsoft-style symbol
// server path.
type PDBInfo struct {
	Name string
	ID   string // upper-hex GUID immediately followed by decimal age
}

// FindPDBInfo scans image for an RSDS CodeView record and extracts the PDB
// name, GUID, and age.
// The GUID's first three fields are stored little-endian in the image and
// are byte-swapped here to match the big-endian-looking hex string every
// symbol server and debugger displays.
func FindPDBInfo(image []byte) (PDBInfo, error) {
	for i := 0; i+4 <= len(image); i++ {
		if image[i] != rsdsMagic[0] || image[i+1] != rsdsMagic[1] || image[i+2] != rsdsMagic[2] || image[i+3] != rsdsMagic[3] {
			continue
		}
		info, ok := parseRSDS(image[i:])
		if ok {
			return info, nil
		}
	}
	return PDBInfo{}, ErrNoPDBInfo
}

// parseRSDS parses an RSDS record starting at buf[0:]. Layout:
//
//	magic   [4]byte  "RSDS"
//	guid    [16]byte mixed-endian GUID
//	age     uint32   little-endian
//	name    NUL-terminated PDB file name
func parseRSDS(buf []byte) (PDBInfo, bool) {
	const headerLen = 4 + 16 + 4
	if len(buf) < headerLen+1 {
		return PDBInfo{}, false
	}

	guid := buf[4:20]
	age := binary.LittleEndian.Uint32(buf[20:24])

	nameStart := headerLen
	nameEnd := nameStart
	for nameEnd < len(buf) && buf[nameEnd] != 0 {
		nameEnd++
		if nameEnd-nameStart > 260 {
			return PDBInfo{}, false
		}
	}
	if nameEnd == len(buf) {
		return PDBInfo{}, false
	}
	name := string(buf[nameStart:nameEnd])
	if !isPlausiblePDBName(name) {
		return PDBInfo{}, false
	}

	id := fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X%s",
		binary.LittleEndian.Uint32(guid[0:4]),
		binary.LittleEndian.Uint16(guid[4:6]),
		binary.LittleEndian.Uint16(guid[6:8]),
		guid[8], guid[9], guid[10], guid[11], guid[12], guid[13], guid[14], guid[15],
		strconv.Itoa(int(age)),
	)

	return PDBInfo{Name: name, ID: id}, true
}

func isPlausiblePDBName(name string) bool {
	if len(name) < 5 || len(name) > 260 {
		return false
	}
	suffix := name[len(name)-4:]
	return suffix == ".pdb" || suffix == ".PDB"
}
