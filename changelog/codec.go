// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package changelog

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
)

// Entries larger than this are zstd-compressed.
const compressThreshold = 1024

const (
	formatPlain byte = 0
	formatZstd  byte = 1
)

// Globally shared zstd encoder and decoder. Only EncodeAll and DecodeAll are
// used, which are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// Encode serializes an entry.
func Encode(e *Entry) ([]byte, error) {
	blob, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Fmt("encoding changelog entry: %w", err)
	}
	if len(blob) <= compressThreshold {
		return append([]byte{formatPlain}, blob...), nil
	}
	return zstdEncoder.EncodeAll(blob, []byte{formatZstd}), nil
}

// Decode deserializes an entry produced by Encode.
func Decode(blob []byte) (*Entry, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty changelog entry")
	}
	payload := blob[1:]
	switch blob[0] {
	case formatPlain:
	case formatZstd:
		var err error
		if payload, err = zstdDecoder.DecodeAll(payload, nil); err != nil {
			return nil, errors.Fmt("decompressing changelog entry: %w", err)
		}
	default:
		return nil, errors.Fmt("unknown changelog entry format %d", blob[0])
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	e := &Entry{}
	if err := dec.Decode(e); err != nil {
		return nil, errors.Fmt("decoding changelog entry: %w", err)
	}
	e.Time = e.Time.UTC()
	return e, nil
}
