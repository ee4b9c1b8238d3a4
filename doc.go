// Package mcpx implements a client for MCPx, a protocol that lets agents, humans and
// tools join a shared topic on a gateway and exchange envelopes: chat messages,
// presence changes and Model Context Protocol (MCP) JSON-RPC traffic addressed to
// one or more peers.
//
// A Client keeps one connection to the gateway through a Transport (WebSocket, SSE
// or a stdio pipe), waits for the gateway's welcome before it reports itself
// connected, correlates its MCP requests with their responses, tracks the peers of
// the topic and reconnects with exponential backoff when the connection drops.
//
//	cli := mcpx.NewClient(
//		mcpx.Endpoint{Gateway: "wss://gw.example.com", Topic: "room", Token: token},
//		mcpx.NewWebSocketTransport(),
//		mcpx.WithChatReceiver(mcpx.ChatReceiverFunc(func(msg mcpx.ChatPayload, from string) {
//			fmt.Printf("<%s> %s\n", from, msg.Text)
//		})),
//	)
//	if err := cli.Connect(ctx); err != nil {
//		return err
//	}
//	defer cli.Disconnect()
//
//	res, err := cli.Request(ctx, mcpx.RequestParams{To: []string{"agent-1"}, Method: "tools/list"})
package mcpx
