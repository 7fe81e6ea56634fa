package registry

import (
	"fmt"
	"time"

	iface "OwlDetServer/interface"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const payloadFormat = 1

// encodeModel serialises a model as a protobuf Struct. float32 values survive
// the trip through the float64 number field unchanged.
func encodeModel(m *Model) ([]byte, error) {
	classes := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m.Classes))}
	for name, e := range m.Classes {
		values := make([]*structpb.Value, len(e))
		for i, x := range e {
			values[i] = structpb.NewNumberValue(float64(x))
		}
		classes.Fields[name] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	root := &structpb.Struct{Fields: map[string]*structpb.Value{
		"format":     structpb.NewNumberValue(payloadFormat),
		"id":         structpb.NewStringValue(m.ID),
		"created_at": structpb.NewStringValue(m.CreatedAt.Format(time.RFC3339Nano)),
		"classes":    structpb.NewStructValue(classes),
	}}
	return proto.MarshalOptions{Deterministic: true}.Marshal(root)
}

func decodeModel(payload []byte) (*Model, error) {
	root := &structpb.Struct{}
	if err := proto.Unmarshal(payload, root); err != nil {
		return nil, err
	}
	fields := root.GetFields()
	if f := fields["format"].GetNumberValue(); f != payloadFormat {
		return nil, fmt.Errorf("unsupported payload format %v", f)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	classFields := fields["classes"].GetStructValue().GetFields()
	m := &Model{
		ID:        fields["id"].GetStringValue(),
		Classes:   make(map[string]iface.Embedding, len(classFields)),
		CreatedAt: createdAt,
	}
	for name, v := range classFields {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("class %q: not a list", name)
		}
		e := make(iface.Embedding, len(list.GetValues()))
		for i, x := range list.GetValues() {
			e[i] = float32(x.GetNumberValue())
		}
		m.Classes[name] = e
	}
	return m, nil
}
