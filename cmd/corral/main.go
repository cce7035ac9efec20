package main

import (
	"context"
	"fmt"
	"os"

	"github.com/butter-bot-machines/corral/pkg/cmd"
	"github.com/butter-bot-machines/corral/pkg/errors"
)

func main() {
	cli := cmd.NewCLI()
	if err := cli.Run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.Code(err))
	}
}
