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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogEntryID builds the explicit stream entry ID for a log entry,
// "<unix_ms>-<seq>". Publishing with explicit IDs makes replays
// idempotent: Redis rejects an ID that is not strictly greater than the
// last one on the stream, and senders treat that rejection as success.
func LogEntryID(ts time.Time, seq uint64) string {
	return strconv.FormatInt(ts.UnixMilli(), 10) + "-" + strconv.FormatUint(seq, 10)
}

// ParseEntryID splits a stream entry ID into its millisecond timestamp
// and sequence halves.
func ParseEntryID(id string) (ms int64, seq uint64, err error) {
	tsPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed entry id %q", id)
	}
	if ms, err = strconv.ParseInt(tsPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q: %w", id, err)
	}
	if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q: %w", id, err)
	}
	return ms, seq, nil
}
