package main

import (
	"github.com/browserstate-org/browserstate/cmd"
	"github.com/browserstate-org/browserstate/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
