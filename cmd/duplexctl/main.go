// Command duplexctl runs and talks to length-prefixed message servers.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
