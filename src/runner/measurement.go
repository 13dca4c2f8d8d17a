package runner

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrSchema = errors.New("response does not match schema")

// Value is a number or string exactly as the endpoint sent it.
type Value struct {
	text string
	set  bool
}

func (v Value) String() string {
	return v.text
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.Wrap(ErrSchema, "empty value")
	}

	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v.text = s

	case c == '-' || ('0' <= c && c <= '9'):
		v.text = string(b)

	default:
		return errors.Wrapf(ErrSchema, "want number or string, got %s", b)
	}

	v.set = true
	return nil
}

// Measurement is the body of a successful /run-speedtest response. Unknown fields are ignored.
type Measurement struct {
	Download Value
	Upload   Value
	Ping     Value
}

// Decode parses body and requires all three fields.
func Decode(body []byte) (*Measurement, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("decode: empty body")
	}

	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	var m Measurement
	fields := []struct {
		name string
		v    *Value
	}{
		{"download", &m.Download},
		{"upload", &m.Upload},
		{"ping", &m.Ping},
	}
	for _, f := range fields {
		b, ok := raw[f.name]
		if !ok {
			return nil, errors.Wrapf(ErrSchema, "%s is missing", f.name)
		}
		if err := f.v.UnmarshalJSON(b); err != nil {
			return nil, errors.Wrap(err, f.name)
		}
	}

	return &m, nil
}
