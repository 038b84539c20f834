package grpcapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxExactAmount is the largest integer a structpb number carries exactly.
const maxExactAmount = 1 << 53

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// fromStruct decodes s into dst.
func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := structJSON(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// decodeRequest decodes a request message, rejecting unknown fields.
func decodeRequest(in *structpb.Struct, dst any) error {
	raw, err := structJSON(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}
	return nil
}

func structJSON(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return raw, nil
}

// encodeResponse is toStruct for server handlers.
func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func checkAmount(amount int64) error {
	if amount > maxExactAmount || amount < -maxExactAmount {
		return fmt.Errorf("amount %d exceeds the exact range of the wire format", amount)
	}
	return nil
}
