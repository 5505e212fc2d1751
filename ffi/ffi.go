// Command ffi builds as a C shared library (-buildmode=c-shared) exposing
// onetun's two named C entry points for embedding in a host application: a
// liveness probe and a blocking tunnel start. Nothing else is exported;
// the FFI surface is scoped to these two named entry points only.
package main

/*
#include <stdio.h>
*/
import "C"

import (
	"fmt"
	"os"

	"github.com/SideStore/onetun/internal/config"
	"github.com/SideStore/onetun/internal/lifecycle"
)

// ONETUN_FFI_CONFIG names the YAML config file Start loads. A host
// application that embeds onetun via cgo has no command-line flags to
// pass through, so configuration travels through the environment
// instead, the same escape hatch internal/config already uses for the
// private key.
const envConfigPath = "ONETUN_FFI_CONFIG"

//export hello_from_rust
func hello_from_rust() {
	fmt.Println("Hello from onetun!")
}

//export start
func start() {
	if err := blockingStart(); err != nil {
		fmt.Fprintf(os.Stderr, "onetun: %v\n", err)
	}
}

func blockingStart() error {
	path := os.Getenv(envConfigPath)
	if path == "" {
		return fmt.Errorf("ffi: %s not set", envConfigPath)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("ffi: load config: %w", err)
	}
	_, err = lifecycle.StartBlocking(cfg)
	if err != nil {
		return fmt.Errorf("ffi: start: %w", err)
	}
	return nil
}

func main() {}
