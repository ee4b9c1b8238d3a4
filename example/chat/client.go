package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	mcpx "github.com/rjcorwin/MCPx-protocol"
)

// printer writes the client's events to the terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) OnConnected() {
	p.printf("* connected\n")
}

func (p *printer) OnDisconnected(reason error) {
	p.printf("* disconnected: %v\n", reason)
}

func (p *printer) OnReconnected() {
	p.printf("* reconnected\n")
}

func (p *printer) OnWelcome(w mcpx.WelcomePayload) {
	p.printf("* joined as %s with %d participant(s)\n", w.You.ID, len(w.Participants))
}

func (p *printer) OnPeerJoined(peer mcpx.Peer) {
	p.printf("* %s joined\n", peer.ID)
}

func (p *printer) OnPeerLeft(peer mcpx.Peer) {
	p.printf("* %s left\n", peer.ID)
}

func (p *printer) OnChat(msg mcpx.ChatPayload, from string) {
	p.printf("<%s> %s\n", from, msg.Text)
}

func (p *printer) OnError(err error) {
	p.printf("! %v\n", err)
}

func (p *printer) peers(peers []mcpx.Peer) {
	if len(peers) == 0 {
		p.printf("* nobody else is here\n")
		return
	}
	for _, peer := range peers {
		caps := "-"
		if len(peer.Capabilities) > 0 {
			caps = strings.Join(peer.Capabilities, ",")
		}
		p.printf("* %s [%s]\n", peer.ID, caps)
	}
}

// router prints MCP traffic of other participants, one line per envelope.
func (p *printer) router() *mcpx.KindRouter {
	r := mcpx.NewKindRouter()
	for _, label := range []string{"request", "response", "notification"} {
		_ = r.HandleFunc("mcp/"+label+":*", func(env mcpx.Envelope) {
			method := mcpx.ClassifyKind(env.Kind).Method
			p.printf("~ %s %s from %s\n", label, method, env.From)
		})
	}
	r.Fallback(mcpx.MessageReceiverFunc(func(env mcpx.Envelope) {
		p.printf("~ %s from %s\n", env.Kind, env.From)
	}))
	return r
}
