package stream

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// FinishedSentinel is the payload value that ends a stream normally.
	FinishedSentinel = "Stream finished"

	frameSeparator = "\n\n"
	dataPrefix     = "data:"
)

// Status values written by the relay server. Clients only look at Data.
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

var (
	ErrNotDataFrame   = errors.New("frame does not start with a data line")
	ErrMalformedFrame = errors.New("malformed frame payload")
)

// Payload is the JSON body carried on the data line of a frame.
type Payload struct {
	Status string `json:"status"`
	Data   string `json:"data"`
}

func (p Payload) IsFinished() bool {
	return p.Data == FinishedSentinel
}

func (p Payload) MarshalZerologObject(e *zerolog.Event) {
	e.Str("status", p.Status)
	e.Int("data_len", len(p.Data))
}

var _ zerolog.LogObjectMarshaler = Payload{}

// ParseFrame decodes a single frame (without its trailing blank line).
// Only the first line is considered, and only if it starts with "data:".
func ParseFrame(frame string) (Payload, error) {
	line := frame
	if i := strings.IndexByte(frame, '\n'); i >= 0 {
		line = frame[:i]
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return Payload{}, ErrNotDataFrame
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))

	var p Payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Payload{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return p, nil
}

// EncodeFrame renders p as a complete frame including the separator.
func EncodeFrame(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, 0, len(dataPrefix)+1+len(b)+len(frameSeparator))
	ret = append(ret, dataPrefix+" "...)
	ret = append(ret, b...)
	ret = append(ret, frameSeparator...)
	return ret, nil
}
