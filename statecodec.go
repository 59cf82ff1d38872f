package acsvm

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// stateEncoder accumulates named sections into one self-describing CBOR
// map before writing it out: a reader can decode the outer map and
// discover its sections without external schema knowledge.
type stateEncoder struct {
	sections map[string]cbor.RawMessage
}

func newStateEncoder() *stateEncoder {
	return &stateEncoder{sections: make(map[string]cbor.RawMessage)}
}

func (e *stateEncoder) encode(section string, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("acsvm: encoding state section %q: %w", section, err)
	}
	e.sections[section] = raw
	return nil
}

func (e *stateEncoder) writeTo(w io.Writer) error {
	out, err := cbor.Marshal(e.sections)
	if err != nil {
		return fmt.Errorf("acsvm: encoding state envelope: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// stateDecoder is the read-side counterpart of stateEncoder.
type stateDecoder struct {
	sections map[string]cbor.RawMessage
}

func newStateDecoderFrom(r io.Reader) (*stateDecoder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("acsvm: reading state envelope: %w", err)
	}

	sections := make(map[string]cbor.RawMessage)
	if err := cbor.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("acsvm: decoding state envelope: %w", err)
	}

	return &stateDecoder{sections: sections}, nil
}

func (d *stateDecoder) decode(section string, out interface{}) error {
	raw, ok := d.sections[section]
	if !ok {
		return nil
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("acsvm: decoding state section %q: %w", section, err)
	}
	return nil
}
