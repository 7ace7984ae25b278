// Copyright 2025 Tom Barlow
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

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxBuffered caps the bytes a Decoder holds without seeing a newline.
const DefaultMaxBuffered = 32 * 1024 * 1024

// ErrNotProtocol is reported for complete lines that parse as JSON but are
// neither a request, a response nor a notification.
var ErrNotProtocol = errors.New("not a JSON-RPC message")

// Encode serializes msg as a single newline-terminated line.
func Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return append(data, '\n'), nil
}

// Decode parses every complete line in buf. Lines that are not valid
// JSON-RPC messages are skipped. The bytes after the last newline are
// returned as remainder and must be prepended to the next chunk.
func Decode(buf []byte) (msgs []*Message, remainder []byte) {
	return decode(buf, nil)
}

// DiscardFunc observes a skipped line and the reason it was skipped.
type DiscardFunc func(line []byte, err error)

func decode(buf []byte, onDiscard DiscardFunc) ([]*Message, []byte) {
	var msgs []*Message
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		msg, err := parseLine(line)
		if err != nil {
			if onDiscard != nil {
				onDiscard(line, err)
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(buf) == 0 {
		return msgs, nil
	}
	return msgs, bytes.Clone(buf)
}

func parseLine(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	if msg.Kind() == KindInvalid {
		return nil, ErrNotProtocol
	}
	return &msg, nil
}

// Decoder is the streaming form of Decode: it keeps the remainder between
// calls to Feed. A Decoder is not safe for concurrent use.
type Decoder struct {
	// OnDiscard, if set, is called for every skipped line.
	OnDiscard DiscardFunc

	// MaxBuffered bounds the partial line kept between chunks. When exceeded
	// the partial line is discarded. Zero means DefaultMaxBuffered.
	MaxBuffered int

	pending []byte
}

// ErrLineTooLong is reported to OnDiscard when a partial line is dropped.
var ErrLineTooLong = errors.New("line exceeds maximum buffered size")

// Feed appends chunk to the buffered remainder and returns every message
// completed by it.
func (d *Decoder) Feed(chunk []byte) []*Message {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
	}
	msgs, rest := decode(buf, d.OnDiscard)

	limit := d.MaxBuffered
	if limit <= 0 {
		limit = DefaultMaxBuffered
	}
	if len(rest) > limit {
		if d.OnDiscard != nil {
			d.OnDiscard(rest[:min(len(rest), 256)], ErrLineTooLong)
		}
		rest = nil
	}
	// rest may alias chunk, which the caller reuses.
	d.pending = append(d.pending[:0:0], rest...)
	return msgs
}

// Buffered returns the number of bytes held waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}
