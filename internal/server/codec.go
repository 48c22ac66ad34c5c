package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content subtype of the credit service:
// requests arrive as application/grpc+json.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
