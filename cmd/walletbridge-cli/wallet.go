package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

var genseed = cli.Command{
	Name:  "genseed",
	Usage: "generate a mnemonic seed",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "words",
			Usage: "number of words (12, 15, 18, 21 or 24)",
			Value: 12,
		},
	},
	Action: genSeedAction,
}

var info = cli.Command{
	Name:   "info",
	Usage:  "show the daemon version and registry sizes",
	Action: infoAction,
}

var walletFlag = &cli.StringFlag{
	Name:  "wallet",
	Usage: "wallet id (the default wallet when empty)",
}

var balance = cli.Command{
	Name:  "balance",
	Usage: "show the balance of a wallet",
	Flags: []cli.Flag{
		walletFlag,
		&cli.BoolFlag{
			Name:  "btc",
			Usage: "show amounts in BTC instead of satoshis",
		},
	},
	Action: balanceAction,
}

var address = cli.Command{
	Name:  "address",
	Usage: "reveal a receive address",
	Flags: []cli.Flag{
		walletFlag,
		&cli.BoolFlag{
			Name:  "last-unused",
			Usage: "return the last unused address instead of a new one",
		},
	},
	Action: addressAction,
}

var syncWallet = cli.Command{
	Name:  "sync",
	Usage: "sync a wallet with a blockchain",
	Flags: []cli.Flag{
		walletFlag,
		&cli.StringFlag{
			Name:  "blockchain",
			Usage: "blockchain id (the default blockchain when empty)",
		},
	},
	Action: syncAction,
}

var listunspent = cli.Command{
	Name:   "listunspent",
	Usage:  "list the unspent outputs of a wallet",
	Flags:  []cli.Flag{walletFlag},
	Action: listUnspentAction,
}

func genSeedAction(ctx *cli.Context) error {
	result, err := getClient(ctx).Call(context.Background(), "generateSeedFromWordCount", ctx.Int("words"))
	if err != nil {
		return err
	}

	var mnemonic string
	if err := json.Unmarshal(result, &mnemonic); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(mnemonic)

	return nil
}

func infoAction(ctx *cli.Context) error {
	return printCall(ctx, "version")
}

func balanceAction(ctx *cli.Context) error {
	if !ctx.Bool("btc") {
		return printCall(ctx, "getBalance", ctx.String("wallet"))
	}

	var sats map[string]uint64
	if err := getClient(ctx).callInto(context.Background(), &sats, "getBalance", ctx.String("wallet")); err != nil {
		return err
	}
	data, err := json.Marshal(balanceInBTC(sats))
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}

// balanceInBTC renders every satoshi amount of a balance as a BTC string.
func balanceInBTC(sats map[string]uint64) map[string]string {
	out := make(map[string]string, len(sats))
	for k, v := range sats {
		out[k] = helpers.SatoshisToBTC(v)
	}
	return out
}

func addressAction(ctx *cli.Context) error {
	index := "new"
	if ctx.Bool("last-unused") {
		index = "lastUnused"
	}
	return printCall(ctx, "getAddress", ctx.String("wallet"), index)
}

func syncAction(ctx *cli.Context) error {
	return printCall(ctx, "sync", ctx.String("wallet"), ctx.String("blockchain"))
}

func listUnspentAction(ctx *cli.Context) error {
	return printCall(ctx, "listUnspent", ctx.String("wallet"))
}

func printCall(ctx *cli.Context, method string, params ...interface{}) error {
	result, err := getClient(ctx).Call(context.Background(), method, params...)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}
