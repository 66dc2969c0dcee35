// Copyright 2025 The Trawl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"testing"
	"time"
)

func TestLogEntryID(t *testing.T) {
	ts := time.UnixMilli(1772006400123)
	got := LogEntryID(ts, 7)
	if got != "1772006400123-7" {
		t.Errorf("LogEntryID = %q, want %q", got, "1772006400123-7")
	}
}

func TestParseEntryID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantMs  int64
		wantSeq uint64
		wantErr bool
	}{
		{name: "valid", id: "1772006400123-7", wantMs: 1772006400123, wantSeq: 7},
		{name: "seq zero", id: "5-0", wantMs: 5, wantSeq: 0},
		{name: "no separator", id: "1772006400123", wantErr: true},
		{name: "non-numeric ts", id: "now-7", wantErr: true},
		{name: "non-numeric seq", id: "5-first", wantErr: true},
		{name: "negative seq", id: "5--1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, seq, err := ParseEntryID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseEntryID(%q) accepted, want error", tt.id)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntryID(%q): %v", tt.id, err)
			}
			if ms != tt.wantMs || seq != tt.wantSeq {
				t.Errorf("ParseEntryID(%q) = (%d, %d), want (%d, %d)", tt.id, ms, seq, tt.wantMs, tt.wantSeq)
			}
		})
	}
}
