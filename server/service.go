package server

import (
	"context"
	"reflect"

	"github.com/juju/errors"
)

type methodType struct {
	method      reflect.Method
	ArgType     reflect.Type
	ReplyType   reflect.Type
	withContext bool // method takes a leading context.Context
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans rcvr for methods of either form
//
//	func (r *T) Method(ctx context.Context, args *Args, reply *Reply) error
//	func (r *T) Method(args *Args, reply *Reply) error
//
// and names the service after T.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, errors.NotValidf("receiver %T: must be a pointer", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %T: must point to a struct", rcvr)
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, errors.NotValidf("receiver %T: no exported RPC methods", rcvr)
	}
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		in := 1 // skip the receiver
		withContext := false
		switch mt.NumIn() {
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			withContext = true
			in = 2
		case 3:
		default:
			continue
		}
		if mt.In(in).Kind() != reflect.Pointer || mt.In(in+1).Kind() != reflect.Pointer {
			continue
		}

		s.method[method.Name] = &methodType{
			method:      method,
			ArgType:     mt.In(in).Elem(),
			ReplyType:   mt.In(in + 1).Elem(),
			withContext: withContext,
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mType.withContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
