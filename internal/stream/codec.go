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

package stream

import (
	"fmt"
	"time"

	"github.com/multiformats/go-varint"
)

// Value type tags.
const (
	tagInt    byte = 1
	tagString byte = 2
	tagBytes  byte = 3
	tagBool   byte = 4
)

func tagName(tag byte) string {
	switch tag {
	case tagInt:
		return "int"
	case tagString:
		return "string"
	case tagBytes:
		return "bytes"
	case tagBool:
		return "bool"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// codec holds the message state shared by every transport. The transport
// supplies read, which returns the next whole message, and write, which
// sends one.
type codec struct {
	mode    Mode
	timeout time.Duration
	maxSize int

	out []byte

	in      []byte
	off     int
	loaded  bool
	pending bool

	read  func() ([]byte, error)
	write func([]byte) error
}

func (c *codec) Encode()    { c.mode = ModeEncode }
func (c *codec) Decode()    { c.mode = ModeDecode }
func (c *codec) Mode() Mode { return c.mode }

func (c *codec) SetTimeout(d time.Duration) { c.timeout = d }

func (c *codec) PutInt(v int64) error {
	if err := c.begin(tagInt); err != nil {
		return err
	}
	c.out = append(c.out, varint.ToUvarint(zigzag(v))...)
	return c.checkSize()
}

func (c *codec) PutString(v string) error {
	if err := c.begin(tagString); err != nil {
		return err
	}
	c.out = append(c.out, varint.ToUvarint(uint64(len(v)))...)
	c.out = append(c.out, v...)
	return c.checkSize()
}

func (c *codec) PutBytes(v []byte) error {
	if err := c.begin(tagBytes); err != nil {
		return err
	}
	c.out = append(c.out, varint.ToUvarint(uint64(len(v)))...)
	c.out = append(c.out, v...)
	return c.checkSize()
}

func (c *codec) PutBool(v bool) error {
	if err := c.begin(tagBool); err != nil {
		return err
	}
	if v {
		c.out = append(c.out, 1)
	} else {
		c.out = append(c.out, 0)
	}
	return nil
}

func (c *codec) begin(tag byte) error {
	if c.mode != ModeEncode {
		return ErrWrongMode
	}
	c.out = append(c.out, tag)
	c.pending = true
	return nil
}

func (c *codec) checkSize() error {
	if c.maxSize > 0 && len(c.out) > c.maxSize {
		c.out = c.out[:0]
		c.pending = false
		return fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, c.maxSize)
	}
	return nil
}

func (c *codec) GetInt() (int64, error) {
	if err := c.expect(tagInt); err != nil {
		return 0, err
	}
	u, err := c.uvarint()
	if err != nil {
		return 0, err
	}
	return unzigzag(u), nil
}

func (c *codec) GetString() (string, error) {
	b, err := c.lengthPrefixed(tagString)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *codec) GetBytes() ([]byte, error) {
	b, err := c.lengthPrefixed(tagBytes)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (c *codec) GetBool() (bool, error) {
	if err := c.expect(tagBool); err != nil {
		return false, err
	}
	if c.off >= len(c.in) {
		return false, ErrEndOfMessage
	}
	v := c.in[c.off] != 0
	c.off++
	return v, nil
}

func (c *codec) lengthPrefixed(tag byte) ([]byte, error) {
	if err := c.expect(tag); err != nil {
		return nil, err
	}
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(c.in)-c.off) {
		return nil, fmt.Errorf("%w: %s length %d overruns message", ErrEndOfMessage, tagName(tag), n)
	}
	b := c.in[c.off : c.off+int(n)]
	c.off += int(n)
	return b, nil
}

// expect loads a message if none is current and consumes the next tag.
// A mismatched tag is not consumed.
func (c *codec) expect(tag byte) error {
	if c.mode != ModeDecode {
		return ErrWrongMode
	}
	if !c.loaded {
		msg, err := c.read()
		if err != nil {
			return err
		}
		c.in = msg
		c.off = 0
		c.loaded = true
	}
	if c.off >= len(c.in) {
		return ErrEndOfMessage
	}
	if got := c.in[c.off]; got != tag {
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, tagName(tag), tagName(got))
	}
	c.off++
	return nil
}

func (c *codec) uvarint() (uint64, error) {
	u, n, err := varint.FromUvarint(c.in[c.off:])
	if err != nil {
		return 0, fmt.Errorf("stream: bad varint: %w", err)
	}
	c.off += n
	return u, nil
}

func (c *codec) EndOfMessage() error {
	if c.mode == ModeDecode {
		c.in = nil
		c.off = 0
		c.loaded = false
		return nil
	}
	if !c.pending {
		return nil
	}
	msg := c.out
	c.out = c.out[:0]
	c.pending = false
	return c.write(msg)
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
