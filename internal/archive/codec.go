package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/conductor/fleet/internal/database"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	contentTypeZstd  = "application/zstd"
)

// Encoders are safe for concurrent EncodeAll calls, so one is shared.
var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encoderErr
}

// Encode writes commands as JSON lines, zstd-compressed when compress is set.
func Encode(cmds []database.Command, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range cmds {
		if err := enc.Encode(&cmds[i]); err != nil {
			return nil, fmt.Errorf("failed to encode command %s: %w", cmds[i].ID, err)
		}
	}
	if !compress {
		return buf.Bytes(), nil
	}

	z, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return z.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2)), nil
}

// Decode reads an archive object written by Encode.
func Decode(r io.Reader, compressed bool) ([]database.Command, error) {
	if compressed {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer d.Close()
		r = d
	}

	var cmds []database.Command
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var cmd database.Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			return nil, fmt.Errorf("failed to decode archived command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return cmds, nil
}
