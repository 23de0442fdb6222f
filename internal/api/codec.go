// Package api defines the RPC surface of the ledger server and the POS
// terminal: message types, procedure names and Connect handler and client
// constructors. Messages are plain Go structs carried by a JSON codec.
package api

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// JSONCodec marshals messages with encoding/json. It is registered under the
// name "json" so requests use the application/json content type.
type JSONCodec struct{}

var _ connect.Codec = JSONCodec{}

// Name implements connect.Codec
func (JSONCodec) Name() string { return "json" }

// Marshal implements connect.Codec
func (JSONCodec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

// Unmarshal implements connect.Codec
func (JSONCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}

// MarshalStable lets clients send side-effect free calls as HTTP GET.
// Struct fields are always encoded in declaration order.
func (c JSONCodec) MarshalStable(msg any) ([]byte, error) { return c.Marshal(msg) }

// IsBinary reports that the encoding is text
func (JSONCodec) IsBinary() bool { return false }

func handlerOptions(opts []connect.HandlerOption, extra ...connect.HandlerOption) []connect.HandlerOption {
	out := make([]connect.HandlerOption, 0, len(opts)+len(extra)+1)
	out = append(out, connect.WithCodec(JSONCodec{}))
	out = append(out, opts...)
	return append(out, extra...)
}

func clientOptions(opts []connect.ClientOption, extra ...connect.ClientOption) []connect.ClientOption {
	out := make([]connect.ClientOption, 0, len(opts)+len(extra)+1)
	out = append(out, connect.WithCodec(JSONCodec{}))
	out = append(out, opts...)
	return append(out, extra...)
}
