package main

import (
	"context"

	"github.com/urfave/cli/v2"
)

var call = cli.Command{
	Name:      "call",
	Usage:     "invoke any JSON-RPC method with positional params",
	ArgsUsage: "<method> [param...]",
	Action:    callAction,
}

func callAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return &invalidUsageError{ctx, "call"}
	}
	args := ctx.Args().Slice()

	params := make([]interface{}, 0, len(args)-1)
	for _, arg := range args[1:] {
		params = append(params, parseParam(arg))
	}

	result, err := getClient(ctx).Call(context.Background(), args[0], params...)
	if err != nil {
		return err
	}

	printJSON(result)
	return nil
}
