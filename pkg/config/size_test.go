// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"strings"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr string
	}{
		{in: "2g", want: 2 * 1024 * 1024 * 1024},
		{in: "2gb", want: 2 * 1024 * 1024 * 1024},
		{in: "2G", want: 2 * 1024 * 1024 * 1024},
		{in: "512m", want: 512 * 1024 * 1024},
		{in: "1t", want: 1024 * 1024 * 1024 * 1024},
		{in: "0x10m", want: 16 * 1024 * 1024},
		{in: "2kb", wantErr: "size can only be specified in megabytes or larger"},
		{in: "2k", wantErr: "size can only be specified in megabytes or larger"},
		{in: "", wantErr: "is not a valid size"},
		{in: "abc", wantErr: "is not a valid size"},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in)
		if c.wantErr != "" {
			if err == nil {
				t.Fatalf("ParseSize(%q): expected error containing %q, got nil", c.in, c.wantErr)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("ParseSize(%q): error %q does not contain %q", c.in, err.Error(), c.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSize(%q): unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
