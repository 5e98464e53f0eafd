// dispatch-client is the workload client binary.
package main

import (
	"github.com/Ricardo3319/Microsec/internal/cli"
)

func main() {
	cli.Execute(cli.BuildClientCommand())
}
