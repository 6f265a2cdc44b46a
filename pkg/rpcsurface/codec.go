package rpcsurface

import (
	"encoding/json"
	"fmt"
)

// jsonCodec is the gRPC message codec for the surface: every message
// is a plain Go struct marshaled with encoding/json, so no generated
// protobuf package is needed on either side of the wire.
type jsonCodec struct{}

// Name matches the content-subtype clients must request.
const codecName = "json"

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal into %T: %w", v, err)
	}
	return nil
}
