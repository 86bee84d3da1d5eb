// Package schematest provides descriptors and pools for tests.
package schematest

import (
	"context"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/mickamy/grpc-mediator/schema"
)

// Methods served by the test file.
const (
	GetItem   = "shop.v1.Items/GetItem"
	ListItems = "shop.v1.Items/ListItems"
)

// File returns a descriptor for:
//
//	package shop.v1;
//	import "google/protobuf/timestamp.proto";
//	message Item { string id = 1; string name = 2; repeated string tags = 3;
//	               google.protobuf.Timestamp created = 4; Owner owner = 5; }
//	message Owner { string email = 1; }
//	message ListItemsResponse { repeated Item items = 1; }
//	service Items { rpc GetItem(Item) returns (Item);
//	                rpc ListItems(Item) returns (ListItemsResponse); }
//
// The timestamp import is deliberately left out of any set built from it.
func File() *descriptorpb.FileDescriptorProto {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
	opt := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	rep := descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()

	field := func(name string, n int32, typ *descriptorpb.FieldDescriptorProto_Type,
		label *descriptorpb.FieldDescriptorProto_Label, typeName string,
	) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(n),
			Type:     typ,
			Label:    label,
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("shop/v1/items.proto"),
		Package:    proto.String("shop.v1"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/timestamp.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Item"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("id", 1, str, opt, ""),
					field("name", 2, str, opt, ""),
					field("tags", 3, str, rep, ""),
					field("created", 4, msg, opt, ".google.protobuf.Timestamp"),
					field("owner", 5, msg, opt, ".shop.v1.Owner"),
				},
			},
			{
				Name:  proto.String("Owner"),
				Field: []*descriptorpb.FieldDescriptorProto{field("email", 1, str, opt, "")},
			},
			{
				Name:  proto.String("ListItemsResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{field("items", 1, msg, rep, ".shop.v1.Item")},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Items"),
			Method: []*descriptorpb.MethodDescriptorProto{
				{Name: proto.String("GetItem"), InputType: proto.String(".shop.v1.Item"), OutputType: proto.String(".shop.v1.Item")},
				{Name: proto.String("ListItems"), InputType: proto.String(".shop.v1.Item"), OutputType: proto.String(".shop.v1.ListItemsResponse")},
			},
		}},
	}
}

// Set returns a FileDescriptorSet holding File.
func Set() *descriptorpb.FileDescriptorSet {
	return &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{File()}}
}

// Source returns a Source that always yields Set.
func Source() schema.Source {
	return schema.SourceFunc(func(_ context.Context, _ string) (*descriptorpb.FileDescriptorSet, error) {
		return Set(), nil
	})
}

// Pool builds a pool from Set or fails the test.
func Pool(t testing.TB) *schema.Pool {
	t.Helper()
	p, err := schema.NewPool(Set())
	if err != nil {
		t.Fatalf("schematest: new pool: %v", err)
	}
	return p
}

// Encode marshals a JSON item for method and direction or fails the test.
func Encode(t testing.TB, p *schema.Pool, method string, dir schema.Direction, js string) []byte {
	t.Helper()
	b, err := p.EncodeJSON(method, dir, []byte(js))
	if err != nil {
		t.Fatalf("schematest: encode %s: %v", js, err)
	}
	return b
}
