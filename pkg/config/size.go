// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseSize parses a size expression of the form <integer>[unit], where
// integer may be decimal or hexadecimal (0x-prefixed) and unit is one of
// M, G or T (case-insensitive, with an optional trailing 'b'). A number
// with no unit is read as megabytes, never as bytes, and a 'k' unit is
// rejected: this configuration only ever sizes things that are comfortably
// megabyte-or-larger (guest memory, shared memory framebuffers), and
// reading "2048" as 2048 bytes has bitten users of the original parser it
// is modeled on.
func ParseSize(orig string) (uint64, error) {
	s := strings.ToLower(strings.ReplaceAll(orig, " ", ""))
	s = strings.TrimSuffix(s, "b")

	if s == "" {
		return 0, errors.Errorf("'%s' is not a valid size", orig)
	}

	modifier := uint64(1)
	last := s[len(s)-1]
	if isAlpha(last) {
		switch last {
		case 'k':
			return 0, errors.New("size can only be specified in megabytes or larger")
		case 'm':
			modifier = 1
		case 'g':
			modifier = 1024
		case 't':
			modifier = 1024 * 1024
		default:
			return 0, errors.Errorf("'%s' is not a valid size", orig)
		}
		s = s[:len(s)-1]
	}

	if s == "" {
		return 0, errors.Errorf("'%s' is not a valid size", orig)
	}

	var value uint64
	var err error
	if strings.HasPrefix(s, "0x") {
		value, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		value, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "'%s' is not a valid size", orig)
	}

	return value * modifier * 1024 * 1024, nil
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
