// Command gridrun runs one WGSL compute kernel over a fixed grid and
// writes the raw output bytes.
//
// Usage:
//
//	gridrun run [flags]
//
// Example:
//
//	# Grid and element types from a YAML file
//	gridrun run --config grid.yaml --input-f32 1.0 --output mesh.bin
//
//	# Everything on the command line
//	gridrun run --kernel k.wgsl --in-type f32 --out-type vec4<u32> \
//	    --workgroup-size 64,1,1 --dispatch-count 16,1,1
//
// A failed run prints the failing stage and error kind and exits with
// status 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/gogpu/gridrun"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd(gridrun.Run).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

// describe formats err for the terminal, naming stage and kind of
// invocation failures.
func describe(err error) string {
	var se *gridrun.StageError
	if errors.As(err, &se) {
		return fmt.Sprintf("gridrun: %s failed (%v)\n  %v", se.Stage, se.Kind, se.Err)
	}
	return fmt.Sprintf("gridrun: %v", err)
}
