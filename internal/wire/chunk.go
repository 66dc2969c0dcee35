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
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// maxChunkPayload caps the decompressed size of a chunk so a corrupt or
// hostile payload cannot exhaust memory on decode.
const maxChunkPayload = 64 << 20

// LogChunk carries an oversize run of log entries as a single gzip
// payload on the dedicated chunk stream, keeping per-entry stream
// records small. Entries inside a chunk belong to one (run, stream)
// pair and cover the contiguous sequence range [FirstSeq, LastSeq].
type LogChunk struct {
	RunID    string    `json:"run_id"`
	Stream   LogStream `json:"log_type"`
	FirstSeq uint64    `json:"first_seq"`
	LastSeq  uint64    `json:"last_seq"`
	Count    int       `json:"count"`
	Encoding string    `json:"encoding"`
	Data     []byte    `json:"data"`
}

// NewLogChunk compresses entries into a chunk. All entries must share
// the same run and stream; sequence bounds are taken from the first and
// last entry.
func NewLogChunk(entries []*LogEntry) (*LogChunk, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("encode log chunk: no entries")
	}
	first := entries[0]
	for _, e := range entries[1:] {
		if e.RunID != first.RunID || e.Stream != first.Stream {
			return nil, fmt.Errorf("encode log chunk: mixed run or stream")
		}
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode log chunk: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("encode log chunk: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("encode log chunk: %w", err)
	}

	return &LogChunk{
		RunID:    first.RunID,
		Stream:   first.Stream,
		FirstSeq: first.Seq,
		LastSeq:  entries[len(entries)-1].Seq,
		Count:    len(entries),
		Encoding: "gzip",
		Data:     buf.Bytes(),
	}, nil
}

// Entries decompresses and decodes the chunk payload.
func (c *LogChunk) Entries() ([]*LogEntry, error) {
	if c.Encoding != "gzip" {
		return nil, fmt.Errorf("decode log chunk: unknown encoding %q", c.Encoding)
	}
	gz, err := gzip.NewReader(bytes.NewReader(c.Data))
	if err != nil {
		return nil, fmt.Errorf("decode log chunk: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(io.LimitReader(gz, maxChunkPayload))
	if err != nil {
		return nil, fmt.Errorf("decode log chunk: %w", err)
	}
	var entries []*LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode log chunk: %w", err)
	}
	return entries, nil
}

// Fields encodes the chunk for its per-run chunk stream. The payload is
// base64 so the value survives any string transport unmodified.
func (c *LogChunk) Fields() map[string]any {
	return map[string]any{
		"log_type":  string(c.Stream),
		"first_seq": strconv.FormatUint(c.FirstSeq, 10),
		"last_seq":  strconv.FormatUint(c.LastSeq, 10),
		"count":     strconv.Itoa(c.Count),
		"encoding":  c.Encoding,
		"data":      base64.StdEncoding.EncodeToString(c.Data),
	}
}

// ChunkFromFields decodes a chunk read from runID's chunk stream.
func ChunkFromFields(runID string, values map[string]string) (*LogChunk, error) {
	c := &LogChunk{
		RunID:    runID,
		Stream:   LogStream(values["log_type"]),
		Encoding: values["encoding"],
	}
	switch c.Stream {
	case StreamStdout, StreamStderr, StreamSystem:
	default:
		return nil, fmt.Errorf("decode log chunk: unknown log_type %q", values["log_type"])
	}

	var err error
	if c.FirstSeq, err = strconv.ParseUint(values["first_seq"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode log chunk: first_seq: %w", err)
	}
	if c.LastSeq, err = strconv.ParseUint(values["last_seq"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode log chunk: last_seq: %w", err)
	}
	if c.Count, err = intField(values, "count"); err != nil {
		return nil, fmt.Errorf("decode log chunk: %w", err)
	}
	if c.Data, err = base64.StdEncoding.DecodeString(values["data"]); err != nil {
		return nil, fmt.Errorf("decode log chunk: data: %w", err)
	}
	return c, nil
}
