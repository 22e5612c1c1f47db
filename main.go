package main

import (
	"context"
	"errors"
	"os"

	"github.com/shardrun/shardrun/cmd"
)

func main() {
	ctx := context.Background()
	if err := cmd.NewCLI().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
