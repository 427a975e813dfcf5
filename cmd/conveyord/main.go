// Command conveyord runs the conveyor acquisition daemon in the foreground.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"conveyor/internal/config"
	"conveyor/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
