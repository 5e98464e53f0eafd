// dispatch-lb is the load balancer binary.
package main

import (
	"github.com/Ricardo3319/Microsec/internal/cli"
)

func main() {
	cli.Execute(cli.BuildLBCommand())
}
