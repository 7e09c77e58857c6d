package main

import (
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

var events = cli.Command{
	Name:  "events",
	Usage: "stream sync events until interrupted",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "topic",
			Usage: "only show these topics (sync_progress, sync_complete)",
		},
	},
	Action: eventsAction,
}

// wsURL turns the RPC endpoint into the event feed URL.
func wsURL(rpcServer string) string {
	url := strings.TrimRight(rpcServer, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

func eventsAction(ctx *cli.Context) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ctx.String(rpcServerFlag.Name)), nil)
	if err != nil {
		return fmt.Errorf("unable to open event feed: %w", err)
	}
	defer conn.Close()

	if topics := ctx.StringSlice("topic"); len(topics) > 0 {
		sub := map[string]interface{}{"action": "subscribe", "events": topics}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		printJSON(msg)
	}
}
