// Package buildinfo exposes build information for statemesh-server.
//
// Values are injected via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/statemesh-go/internal/infra/buildinfo.Version=v1.0.0"
//
// When Commit is not injected, the VCS revision recorded by the Go
// toolchain is used.
package buildinfo
