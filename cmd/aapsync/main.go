package main

import (
	"context"
	"fmt"
	"os"

	"github.com/livinlefevreloca/aapsync/internal/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "aapsync:", err)
		os.Exit(1)
	}
}
