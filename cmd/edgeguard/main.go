// Command edgeguard runs the security gateway and OAuth2 authorization
// server.
package main

import "os"

// version can be set during build with -ldflags.
var version = "dev"

func main() {
	root := newRootCmd(version)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
