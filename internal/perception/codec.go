package perception

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// Codec names a wire format for measurement records.
type Codec string

const (
	// CodecJSONL is one JSON object per line.
	CodecJSONL Codec = "jsonl"
	// CodecMsgpack is MessagePack frames with a 4-byte big-endian length prefix.
	CodecMsgpack Codec = "msgpack"
)

// ErrMalformed marks a single undecodable record. The stream stays usable.
var ErrMalformed = errors.New("malformed measurement record")

// maxRecordSize bounds one record (a full face mesh is ~20 KB as JSON).
const maxRecordSize = 1 << 20

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecJSONL, CodecMsgpack:
		return c, nil
	case "json", "":
		return CodecJSONL, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

// Decoder reads measurement records from a stream.
type Decoder interface {
	Decode() (types.MeasurementRecord, error)
}

// Encoder writes measurement records to a stream.
type Encoder interface {
	Encode(types.MeasurementRecord) error
}

// NewDecoder returns a decoder for codec over r.
func NewDecoder(codec Codec, r io.Reader) (Decoder, error) {
	switch codec {
	case CodecJSONL:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxRecordSize)
		return &jsonDecoder{sc: sc}, nil
	case CodecMsgpack:
		return &msgpackDecoder{r: bufio.NewReader(r)}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// NewEncoder returns an encoder for codec over w.
func NewEncoder(codec Codec, w io.Writer) (Encoder, error) {
	switch codec {
	case CodecJSONL:
		return &jsonEncoder{w: w}, nil
	case CodecMsgpack:
		return &msgpackEncoder{w: w}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

type jsonDecoder struct {
	sc *bufio.Scanner
}

func (d *jsonDecoder) Decode() (types.MeasurementRecord, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec types.MeasurementRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return rec, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return rec, nil
	}
	if err := d.sc.Err(); err != nil {
		return types.MeasurementRecord{}, fmt.Errorf("failed to read line: %w", err)
	}
	return types.MeasurementRecord{}, io.EOF
}

type jsonEncoder struct {
	w io.Writer
}

func (e *jsonEncoder) Encode(rec types.MeasurementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

type msgpackDecoder struct {
	r      *bufio.Reader
	prefix [4]byte
}

func (d *msgpackDecoder) Decode() (types.MeasurementRecord, error) {
	var rec types.MeasurementRecord

	if _, err := io.ReadFull(d.r, d.prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(d.prefix[:])
	if n > maxRecordSize {
		return rec, fmt.Errorf("record of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return rec, fmt.Errorf("failed to read record: %w", err)
	}

	if err := msgpack.Unmarshal(buf, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

type msgpackEncoder struct {
	w io.Writer
}

func (e *msgpackEncoder) Encode(rec types.MeasurementRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := e.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = e.w.Write(data)
	return err
}
