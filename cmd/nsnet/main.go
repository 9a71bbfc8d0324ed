package main

import (
	"fmt"
	"os"

	"github.com/moby/nsnet/nsexec"
	"github.com/sirupsen/logrus"
)

func main() {
	if nsexec.Init() {
		return
	}

	logrus.SetOutput(os.Stderr)

	cmd := newRootCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
