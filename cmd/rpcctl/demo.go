package main

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"async-rpc/fault"
	"async-rpc/operation"
	"async-rpc/server"
)

type EchoInput struct {
	Text string `json:"text" rpc:"required"`
}

type EchoOutput struct {
	Text string `json:"text"`
}

type UpperInput struct {
	Text string `json:"text" rpc:"required"`
}

func (in UpperInput) Validate() error {
	if len(in.Text) > 1024 {
		return errors.NotValidf("text longer than 1024 bytes")
	}
	return nil
}

type Args struct {
	A int `json:"a"`
	B int `json:"b"`
}

type Reply struct {
	Result int `json:"result"`
}

// Arith is served through reflection registration.
type Arith struct{}

func (*Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (*Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return fault.Remote("InvalidParameterException", "divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// operations is the contract table the demo service implements.
func operations() *operation.Registry {
	ops := &operation.Registry{}
	ops.MustRegister(
		operation.Contract{
			Name:     "Echo",
			Request:  operation.TypeOf[EchoInput](),
			Response: operation.TypeOf[EchoOutput](),
			Doc:      "Returns the text it is given.",
		},
		operation.Contract{
			Name:     "Upper",
			Request:  operation.TypeOf[UpperInput](),
			Response: operation.TypeOf[EchoOutput](),
			Errors:   []fault.Kind{fault.InvalidInput},
			Doc:      "Upper-cases the text.",
		},
		operation.Contract{
			Name:     "Arith.Add",
			Request:  operation.TypeOf[Args](),
			Response: operation.TypeOf[Reply](),
			Doc:      "Adds a and b.",
		},
		operation.Contract{
			Name:     "Arith.Div",
			Request:  operation.TypeOf[Args](),
			Response: operation.TypeOf[Reply](),
			Errors:   []fault.Kind{fault.InvalidInput},
			Doc:      "Divides a by b.",
		},
	)
	return ops
}

func registerDemo(s *server.Server) error {
	if err := s.Register(&Arith{}); err != nil {
		return errors.Trace(err)
	}
	if err := server.HandleFunc(s, "Echo", func(_ context.Context, in *EchoInput) (*EchoOutput, error) {
		return &EchoOutput{Text: in.Text}, nil
	}); err != nil {
		return errors.Trace(err)
	}
	return server.HandleFunc(s, "Upper", func(_ context.Context, in *UpperInput) (*EchoOutput, error) {
		return &EchoOutput{Text: strings.ToUpper(in.Text)}, nil
	})
}
