package tele

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

const (
	PayloadProto = "proto"
	PayloadCbor  = "cbor"
)

// Sample is one published value: register reading, derived quantity
// or online state (Name="online", Value 1 or 0).
// Protobuf message equivalent:
// message Sample { string category=1; string name=2; float value=3; int64 time=4; }
type Sample struct {
	Category string  `protobuf:"bytes,1,opt,name=category,proto3" cbor:"1,keyasint"`
	Name     string  `protobuf:"bytes,2,opt,name=name,proto3" cbor:"2,keyasint"`
	Value    float32 `protobuf:"fixed32,3,opt,name=value,proto3" cbor:"3,keyasint"`
	Time     int64   `protobuf:"varint,4,opt,name=time,proto3" cbor:"4,keyasint"` // unix nanoseconds
}

var _ proto.Message = &Sample{}

func (s *Sample) Reset()         { *s = Sample{} }
func (s *Sample) String() string { return proto.CompactTextString(s) }
func (*Sample) ProtoMessage()    {}

func NewSample(category, name string, value float32, t time.Time) Sample {
	return Sample{Category: category, Name: name, Value: value, Time: t.UnixNano()}
}

type Codec interface {
	Encode(Sample) ([]byte, error)
	Decode([]byte) (Sample, error)
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case "", PayloadProto:
		return protoCodec{}, nil
	case PayloadCbor:
		return cborCodec{}, nil
	}
	return nil, errors.NotSupportedf("tele payload=%s", name)
}

type protoCodec struct{}

func (protoCodec) Encode(s Sample) ([]byte, error) {
	b, err := proto.Marshal(&s)
	return b, errors.Annotate(err, "tele payload encode")
}

func (protoCodec) Decode(data []byte) (Sample, error) {
	s := Sample{}
	if err := proto.Unmarshal(data, &s); err != nil {
		return Sample{}, errors.NewNotValid(err, "tele payload decode")
	}
	return s, nil
}

type cborCodec struct{}

func (cborCodec) Encode(s Sample) ([]byte, error) {
	b, err := cbor.Marshal(s)
	return b, errors.Annotate(err, "tele payload encode")
}

func (cborCodec) Decode(data []byte) (Sample, error) {
	s := Sample{}
	err := cbor.Unmarshal(data, &s)
	return s, errors.Annotate(err, "tele payload decode")
}
