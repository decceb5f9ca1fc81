// Command hooktiller is a terminal inspector for hook locators. It resolves
// export, pattern and address locators against a running process and shows
// the first instructions at the result, the way the injected module would
// see them before patching.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
