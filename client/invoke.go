package client

import (
	"context"
	"reflect"

	"github.com/juju/errors"

	"async-rpc/future"
	"async-rpc/operation"
)

// Invoke is the typed form of (*Dispatcher).Invoke. Resp must be the
// operation's response type or a pointer to it; a pointer Resp resolves to
// a freshly allocated value.
//
// A generated client surface wraps this once per operation:
//
//	func (c *Contacts) Describe(ctx context.Context, req *DescribeContactInput, cb ...future.Callback[*DescribeContactOutput]) (*future.Future[*DescribeContactOutput], error) {
//		return client.Invoke[*DescribeContactOutput](ctx, c.d, "DescribeContact", req, cb...)
//	}
func Invoke[Resp any](ctx context.Context, d *Dispatcher, name string, req any, callbacks ...future.Callback[Resp]) (*future.Future[Resp], error) {
	c, payload, err := d.prepare(name, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if want := operation.TypeOf[Resp](); !want.Equal(c.Response) {
		return nil, errors.Annotatef(ErrResponseTypeMismatch, "%q responds with %s, not %s", name, c.Response, want)
	}
	return start(ctx, d, c, payload, decodeAs[Resp](d.payload), callbacks)
}

func decodeAs[Resp any](codec PayloadCodec) func([]byte) (Resp, error) {
	return func(data []byte) (Resp, error) {
		var resp Resp
		target := any(&resp)
		if t := reflect.TypeOf((*Resp)(nil)).Elem(); t.Kind() == reflect.Pointer {
			resp = reflect.New(t.Elem()).Interface().(Resp)
			target = resp
		}
		if len(data) == 0 {
			return resp, nil
		}
		if err := codec.Unmarshal(data, target); err != nil {
			var zero Resp
			return zero, errors.Trace(err)
		}
		return resp, nil
	}
}
