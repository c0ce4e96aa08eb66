package main

import (
	"context"
	"time"

	"duplex-rpc/dispatch"
)

// EchoService is the demo service hosted by serve.
type EchoService struct{}

func (EchoService) Say(message string) string { return message }

func (EchoService) Add(a, b int) int { return a + b }

// Whoami returns the caller's client id and address.
func (EchoService) Whoami(ctx context.Context) dispatch.Peer {
	peer, _ := dispatch.PeerFromContext(ctx)
	return peer
}

func (EchoService) Time() time.Time { return time.Now().UTC() }

func echoSpec() dispatch.ServiceSpec {
	return dispatch.ServiceSpec{
		Name: "EchoService",
		New:  func() any { return EchoService{} },
		Methods: []dispatch.MethodSpec{
			{Name: "Say", Func: EchoService.Say, Params: []dispatch.Param{dispatch.Required("message")}},
			{Name: "Add", Func: EchoService.Add, Params: []dispatch.Param{dispatch.Required("a"), dispatch.Optional("b", 0)}},
			{Name: "Whoami", Func: EchoService.Whoami},
			{Name: "Time", Func: EchoService.Time, Policy: dispatch.MethodPolicy{Concurrency: dispatch.ConcurrencyPerCaller}},
		},
	}
}
