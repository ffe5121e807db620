package upgradesinfo

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler returns a stream handler answering GetUpgradesInfo with whatever info returns. It is
// meant to be installed with grpc.UnknownServiceHandler on an in-process server standing in
// for a sequencer node.
func Handler(info func() (*Info, error)) grpc.StreamHandler {
	return func(_ any, stream grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(stream)
		if !ok || method != GetUpgradesInfoMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		if err := stream.RecvMsg(NewRequest()); err != nil {
			return err
		}
		resp, err := info()
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(EncodeResponse(resp))
	}
}
