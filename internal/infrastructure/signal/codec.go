package signal

import (
	"encoding/json"
	"fmt"
	"reflect"

	"deskrelay/internal/core/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec turns envelopes into websocket frames. The codec is picked once per
// connection; payload bytes are carried as-is by both.
type Codec interface {
	Name() string
	FrameType() int
	Encode(env domain.Envelope) ([]byte, error)
	Decode(data []byte) (domain.Envelope, error)
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signal: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("signal: CBOR decoder initialization failed: " + err.Error())
	}
}

// CodecByName resolves the ?codec= query value; empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecCBOR:
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string   { return CodecJSON }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Encode(env domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid json envelope: %w", err)
	}
	return env, nil
}

type cborCodec struct{}

func (cborCodec) Name() string   { return CodecCBOR }
func (cborCodec) FrameType() int { return websocket.BinaryMessage }

func (cborCodec) Encode(env domain.Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

func (cborCodec) Decode(data []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid cbor envelope: %w", err)
	}
	return env, nil
}
