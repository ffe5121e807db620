package upgradesinfo

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	protoPackage = "astria.sequencerblock.v1"

	// GetUpgradesInfoMethod is the full gRPC method name of the upgrades query.
	GetUpgradesInfoMethod = "/" + protoPackage + ".SequencerService/GetUpgradesInfo"
)

// Message descriptors for the upgrades query, built at init from a hand-written file
// descriptor so that no generated code is needed for a single unary call.
var (
	requestDesc    protoreflect.MessageDescriptor
	responseDesc   protoreflect.MessageDescriptor
	changeInfoDesc protoreflect.MessageDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileDescriptor(), nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build upgrades info descriptor: %v", err))
	}
	requestDesc = fd.Messages().ByName("GetUpgradesInfoRequest")
	responseDesc = fd.Messages().ByName("GetUpgradesInfoResponse")
	changeInfoDesc = responseDesc.Messages().ByName("ChangeInfo")
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeatedMessage(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String(typeName),
	}
}

func fileDescriptor() *descriptorpb.FileDescriptorProto {
	changeInfoType := "." + protoPackage + ".GetUpgradesInfoResponse.ChangeInfo"
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("astria/sequencerblock/v1/upgrades_info.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("GetUpgradesInfoRequest")},
			{
				Name: proto.String("GetUpgradesInfoResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					repeatedMessage("applied", 1, changeInfoType),
					repeatedMessage("scheduled", 2, changeInfoType),
				},
				NestedType: []*descriptorpb.DescriptorProto{{
					Name: proto.String("ChangeInfo"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("activation_height", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
						field("change_name", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
						field("app_version", 3, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
						field("base64_hash", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					},
				}},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("SequencerService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("GetUpgradesInfo"),
				InputType:  proto.String("." + protoPackage + ".GetUpgradesInfoRequest"),
				OutputType: proto.String("." + protoPackage + ".GetUpgradesInfoResponse"),
			}},
		}},
	}
}
