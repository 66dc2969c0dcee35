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

package executor

import (
	"bufio"
	"bytes"
	"io"

	"github.com/trawlhq/trawl/internal/wire"
)

// streamLines reads r line by line and forwards each line to the sink.
// Lines longer than maxBytes are split at maxBytes; the remainder
// continues as the next line. Reads until EOF or a pipe error.
func streamLines(r io.Reader, stream wire.LogStream, maxBytes int, sink LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+1)
	scanner.Split(splitBounded(maxBytes))
	for scanner.Scan() {
		sink.Write(stream, scanner.Text())
	}
	// Scanner errors here mean the pipe closed mid-line; whatever was
	// buffered has already been emitted by the split func.
}

// splitBounded behaves like bufio.ScanLines but never returns a token
// longer than max bytes.
func splitBounded(max int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexByte(data, '\n'); i >= 0 && i <= max {
			return i + 1, dropCR(data[:i]), nil
		}
		if len(data) > max {
			return max, data[:max], nil
		}
		if atEOF {
			return len(data), dropCR(data), nil
		}
		// Need more data before deciding.
		return 0, nil, nil
	}
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
