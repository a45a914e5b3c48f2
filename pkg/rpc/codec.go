// Package rpc wires the SMS<->Spearlet control plane onto google.golang.org/grpc
// without a protoc-generated stub: messages here are plain Go structs
// carried by a JSON encoding.Codec registered against grpc's own codec
// registry, and each RPC is described by a hand-written
// grpc.ServiceDesc/MethodDesc pair instead of one emitted by
// protoc-gen-go-grpc.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "spear-json"

// jsonCodec implements grpc/encoding.Codec over plain JSON so request/response
// structs need no .proto definition.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CodecName is the name callers must pass via grpc.CallContentSubtype /
// grpc.ForceServerCodec when dialing or serving this package's ServiceDesc.
const CodecName = codecName
