// Package main provides the entry point for the supportbuddy CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rsrini7/Smart-Support-Buddy/cmd/supportbuddy/cmd"
	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, buddyerrors.FormatForCLI(err))
		os.Exit(1)
	}
}
