// ./main.go
package main

import (
	"github.com/xkilldash9x/taskpilot/cmd"
)

// main is the entry point for the taskpilot binary. All command-line
// parsing, configuration, and execution lives in the cmd package.
func main() {
	cmd.Execute()
}
