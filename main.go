package main

import (
	"github.com/sidkik/peersync/cmd"
	"github.com/sidkik/peersync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
