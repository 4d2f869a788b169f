// Command taskengine-demo exercises the engine end to end: it registers
// a couple of memoizing integer task functions, spawns one of them, and
// prints the resolved result. It plays the role script-weaver's
// cmd/scriptweaver/main.go plays for that teacher — a thin,
// deterministic CLI boundary over the library — adapted from
// next-dev/src/main.rs's register()-then-run_once() shape: register
// every function before the engine does any work, then drive exactly
// one root spawn to completion.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"taskengine/engine"
	"taskengine/internal/core"
	"taskengine/internal/obslog"
)

const vtInt core.ValueTypeID = 1

func main() {
	var (
		workers = pflag.IntP("workers", "w", 0, "maximum concurrently executing tasks (0 = GOMAXPROCS)")
		fn      = pflag.StringP("fn", "f", "double", "function to spawn: double | double-plus-one")
		n       = pflag.IntP("n", "n", 21, "integer argument to spawn the function with")
		verbose = pflag.BoolP("verbose", "v", false, "emit structured lifecycle logs to stderr")
	)
	pflag.Parse()

	if err := run(*workers, *fn, *n, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(workers int, fnName string, n int, verbose bool) error {
	ctx := context.Background()

	opts := []engine.Option{engine.WithWorkerCount(workers)}
	if verbose {
		opts = append(opts, engine.WithLogger(obslog.New(os.Stderr)))
	}

	eng := engine.New(ctx, opts...)
	defer eng.Close()

	double := eng.RegisterFunction("double", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		return rt.Publish(0, vtInt, args.(int)*2)
	})
	doublePlusOne := eng.RegisterFunction("double-plus-one", func(execCtx context.Context, rt core.Runtime, args any) (core.Handle, error) {
		sub, err := rt.Spawn(double, args)
		if err != nil {
			return core.Handle{}, err
		}
		_, doubled, err := rt.Read(execCtx, sub)
		if err != nil {
			return core.Handle{}, err
		}
		return rt.Publish(0, vtInt, doubled.(int)+1)
	})

	var target core.FunctionID
	switch fnName {
	case "double":
		target = double
	case "double-plus-one":
		target = doublePlusOne
	default:
		return fmt.Errorf("unknown function %q (want double or double-plus-one)", fnName)
	}

	h, err := eng.Spawn(target, n)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	_, payload, err := eng.Read(ctx, h)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	fmt.Printf("%s(%d) = %v\n", fnName, n, payload)
	return nil
}
