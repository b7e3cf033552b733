package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/opsportal/internal/portalctl"
)

func main() {
	if err := portalctl.NewRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
