// dispatch-worker is the worker node binary.
package main

import (
	"github.com/Ricardo3319/Microsec/internal/cli"
)

func main() {
	cli.Execute(cli.BuildWorkerCommand())
}
