package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/klingon-exchange/walletbridge/pkg/helpers"
)

var send = cli.Command{
	Name:  "send",
	Usage: "build, sign and broadcast a payment from a wallet",
	Flags: []cli.Flag{
		walletFlag,
		&cli.StringFlag{
			Name:  "blockchain",
			Usage: "blockchain id (the default blockchain when empty)",
		},
		&cli.StringFlag{
			Name:     "to",
			Usage:    "recipient address",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "amount",
			Usage:    "amount in BTC, e.g. 0.0015",
			Required: true,
		},
		&cli.Float64Flag{
			Name:  "fee-rate",
			Usage: "fee rate in sat/vB (daemon default when zero)",
		},
		&cli.BoolFlag{
			Name:  "rbf",
			Usage: "signal replace-by-fee",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "print the signed PSBT instead of broadcasting it",
		},
	},
	Action: sendAction,
}

// sendResult is what send prints.
type sendResult struct {
	Txid   string `json:"txid"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
	PSBT   string `json:"psbt,omitempty"`
}

func sendAction(ctx *cli.Context) error {
	sats, err := helpers.BTCToSatoshis(ctx.String("amount"))
	if err != nil {
		return err
	}
	if sats == 0 {
		return fmt.Errorf("amount must be positive")
	}

	c := getClient(ctx)
	walletID := ctx.String("wallet")
	bg := context.Background()

	var network, addrID, scriptID, builderID string
	if err := c.callInto(bg, &network, "getNetwork", walletID); err != nil {
		return err
	}
	if err := c.callInto(bg, &addrID, "initAddress", ctx.String("to"), network); err != nil {
		return err
	}
	if err := c.callInto(bg, &scriptID, "addressToScriptPubkeyHex", addrID); err != nil {
		return err
	}
	if err := c.callInto(bg, &builderID, "createTxBuilder"); err != nil {
		return err
	}
	if err := c.callInto(bg, nil, "addRecipient", builderID, scriptID, sats); err != nil {
		return err
	}
	if rate := ctx.Float64("fee-rate"); rate > 0 {
		if err := c.callInto(bg, nil, "feeRate", builderID, rate); err != nil {
			return err
		}
	}
	if ctx.Bool("rbf") {
		if err := c.callInto(bg, nil, "enableRbf", builderID); err != nil {
			return err
		}
	}

	var built struct {
		PSBT string `json:"psbt"`
		Txid string `json:"txid"`
		Fee  uint64 `json:"fee"`
	}
	if err := c.callInto(bg, &built, "finish", builderID, walletID); err != nil {
		return err
	}

	var signed string
	if err := c.callInto(bg, &signed, "sign", walletID, built.PSBT); err != nil {
		return err
	}

	out := sendResult{
		Txid:   built.Txid,
		Amount: helpers.SatoshisToBTC(sats),
		Fee:    helpers.SatoshisToBTC(built.Fee),
	}
	if ctx.Bool("dry-run") {
		out.PSBT = signed
	} else if err := c.callInto(bg, &out.Txid, "broadcast", ctx.String("blockchain"), signed); err != nil {
		return err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}
