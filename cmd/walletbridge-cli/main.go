// Package main provides walletbridge-cli, a command line client for
// walletbridged.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const defaultRPCServer = "http://127.0.0.1:8545"

var rpcServerFlag = &cli.StringFlag{
	Name:    "rpcserver",
	Usage:   "walletbridged JSON-RPC endpoint",
	Value:   defaultRPCServer,
	EnvVars: []string{"WALLETBRIDGE_RPCSERVER"},
}

func main() {
	app := cli.NewApp()

	app.Version = "0.1.0-dev"
	app.Name = "walletbridge-cli"
	app.Usage = "Command line interface for the walletbridged daemon"
	app.Flags = []cli.Flag{rpcServerFlag}
	app.Commands = append(
		app.Commands,
		&call,
		&genseed,
		&info,
		&balance,
		&address,
		&syncWallet,
		&listunspent,
		&send,
		&events,
	)

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// client calls walletbridged over HTTP.
type client struct {
	url  string
	http *http.Client
}

func newClient(url string) *client {
	return &client{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

func getClient(ctx *cli.Context) *client {
	return newClient(ctx.String(rpcServerFlag.Name))
}

// Call invokes method with positional params and returns the raw result.
func (c *client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach RPC server: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// callInto calls method and decodes its result into out. A nil out
// discards the result.
func (c *client) callInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("unexpected %s result %s: %w", method, result, err)
	}
	return nil
}

// parseParam reads a command line argument as JSON when it is valid JSON
// and as a plain string otherwise, so ids and descriptors need no quoting.
func parseParam(arg string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "\t"); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[walletbridge] %v\n", err)
	}
	os.Exit(1)
}
