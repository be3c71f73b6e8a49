package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cobra.EnablePrefixMatching = true
}

func main() {
	ctx := context.Background()
	if err := Command().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bwsd failed: %v\n", err)
		os.Exit(1)
	}
}
