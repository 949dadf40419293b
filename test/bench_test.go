package test

import (
	"context"
	"testing"

	"async-rpc/client"
	"async-rpc/codec"
	"async-rpc/future"
	"async-rpc/message"
	"async-rpc/transport"
)

func setupDispatcher(b *testing.B, codecType codec.CodecType) *client.Dispatcher {
	addr := start(b, newServer(b))
	pool := transport.NewPool(addr, transport.PoolConfig{Size: 4, Codec: codecType})
	b.Cleanup(func() { pool.Close() })
	d := client.New(operations(), pool)
	b.Cleanup(func() { d.Close(context.Background()) })
	return d
}

// One call at a time: latency of the whole path.
func BenchmarkSerialInvoke(b *testing.B) {
	d := setupDispatcher(b, codec.CodecTypeJSON)
	args := &Args{A: 1, B: 2}
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		f, err := client.Invoke[*Reply](ctx, d, "Arith.Add", args)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := f.Await(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing multiplexed connections.
func BenchmarkConcurrentInvoke(b *testing.B) {
	d := setupDispatcher(b, codec.CodecTypeBinary)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			f, err := client.Invoke[*Reply](ctx, d, "Arith.Add", args)
			if err != nil {
				b.Error(err)
				return
			}
			if _, err := f.Await(ctx); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Fire a batch without waiting, then collect: what the future API is for.
func BenchmarkPipelinedInvoke(b *testing.B) {
	d := setupDispatcher(b, codec.CodecTypeBinary)
	ctx := context.Background()
	const batch = 64
	futures := make([]*future.Future[*Reply], 0, batch)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		f, err := client.Invoke[*Reply](ctx, d, "Arith.Add", &Args{A: i, B: 1})
		if err != nil {
			b.Fatal(err)
		}
		futures = append(futures, f)
		if len(futures) == batch || i == b.N-1 {
			for _, f := range futures {
				if _, err := f.Await(ctx); err != nil {
					b.Fatal(err)
				}
			}
			futures = futures[:0]
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeJSON)
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeBinary)
}

func benchmarkCodec(b *testing.B, codecType codec.CodecType) {
	cdc := codec.GetCodec(codecType)
	msg := message.Request("Arith.Add", "0b9b3d4e-6a43-4d0e-9f50-5a0a1a6c5f11", []byte(`{"A":1,"B":2}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.RPCMessage
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
