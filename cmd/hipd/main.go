// hipd runs the HIP signal dispatch core over a loopback transport and
// exposes it through a debug service.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-hip/cmd/hipd/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
