// Package memory is an in-process scale-out backplane. Several buses in one
// process attach to a shared Hub and see the same payload stream, which is
// how the scale-out layer is tested without external services.
//
//	hub := memory.NewHub(2)
//	a, _ := scaleout.New(memory.New(hub, log))
//	b, _ := scaleout.New(memory.New(hub, log))
package memory
