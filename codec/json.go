package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// DefaultCodec speaks JSON. Protobuf messages go through protojson so
// well-known types such as structpb.Value keep their JSON mapping.
type DefaultCodec struct{}

func (c *DefaultCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (c *DefaultCodec) Decode(a any, b []byte) error {
	if m, ok := a.(proto.Message); ok {
		return protojson.Unmarshal(b, m)
	}
	return json.Unmarshal(b, a)
}
