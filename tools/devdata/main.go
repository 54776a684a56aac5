// Command devdata generates synthetic evidence archives for casevault
// development.
package main

import (
	"fmt"
	"os"

	"github.com/wesm/casevault/tools/devdata/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devdata:", err)
		os.Exit(1)
	}
}
