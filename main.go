package main

import (
	"os"

	"orgatlas.dev/cli"
)

func main() {
	os.Exit(cli.Execute())
}
