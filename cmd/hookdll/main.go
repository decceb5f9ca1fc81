// Command hookdll is built with -buildmode=c-shared and loaded into a target
// process. It reads a hook manifest, installs every hook through MinHook and
// logs each call before forwarding it to the original function.
//
//	go build -buildmode=c-shared -o hooktiller.dll ./cmd/hookdll
package main

func main() {}
