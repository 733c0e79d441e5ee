// main.go
//
// Entry point; the Cobra commands live in cmd/.

package main

import (
	"github.com/inference-sim/vpmu/cmd"
)

func main() {
	cmd.Execute()
}
