package test

import (
	"context"
	"testing"

	"duplex-rpc/client"
	"duplex-rpc/codec"
	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/transport"
)

func setupClient(b *testing.B, opts ...client.Option) *client.Client {
	svr := startServer(b, "bench", nil)
	cli := client.NewClient(svr.Addr().String(), opts...)
	if err := cli.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { cli.Close() })
	return cli
}

// one goroutine, one call at a time
func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b)
	ctx := context.Background()
	var reply Reply
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith", "Add", &reply, dispatch.Arg("args", Args{A: 1, B: 2})); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines sharing one multiplexed connection
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupClient(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		var reply Reply
		for pb.Next() {
			if err := cli.Call(ctx, "Arith", "Add", &reply, dispatch.Arg("args", Args{A: 1, B: 2})); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkWebSocketCall(b *testing.B) {
	cli := setupClient(b, client.WithVariant(transport.WebSocket))
	ctx := context.Background()
	var reply Reply
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith", "Add", &reply, dispatch.Arg("args", Args{A: 1, B: 2})); err != nil {
			b.Fatal(err)
		}
	}
}

// call record serialization alone, no network
func BenchmarkCodecJSON(b *testing.B) {
	cdc := &codec.JSONCodec{}
	call := &message.CallRecord{
		ID:          "4f1d6c1e-8f55-4c55-9a0e-4f5e1f1c2b3a",
		ServiceName: "Arith",
		MethodName:  "Add",
		Parameters:  []message.Parameter{{Name: "args", Value: `{"A":1,"B":2}`}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(call)
		var out message.CallRecord
		cdc.Decode(data, &out)
	}
}
