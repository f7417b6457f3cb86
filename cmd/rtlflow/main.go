package main

import (
	"context"
	"fmt"
	"os"

	"rtlflow/internal/cli"
)

func main() {
	res, err := cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rtlflow:", err)
	}
	os.Exit(res.ExitCode)
}
