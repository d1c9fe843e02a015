// Package session delivers EIP-1193 provider events to the dapp pages of an origin.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/better-wallet/dapp-provider/internal/logger"
)

const writeTimeout = 5 * time.Second

// Message is one provider event as a page receives it
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type page struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *page) write(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, msg)
}

// Broadcaster implements provider.DappNotifier
type Broadcaster struct {
	mu    sync.RWMutex
	pages map[string]map[*page]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{pages: make(map[string]map[*page]struct{})}
}

// Notify sends event to every open page of origin
func (b *Broadcaster) Notify(ctx context.Context, origin, event string, data any) {
	b.mu.RLock()
	targets := make([]*page, 0, len(b.pages[origin]))
	for p := range b.pages[origin] {
		targets = append(targets, p)
	}
	b.mu.RUnlock()

	msg := Message{Event: event, Data: data}
	for _, p := range targets {
		if err := p.write(context.WithoutCancel(ctx), msg); err != nil {
			logger.Warn(ctx, "dapp event delivery failed", "origin", origin, "event", event, "error", err)
		}
	}
	logger.Debug(ctx, "dapp event sent", "origin", origin, "event", event, "pages", len(targets))
}

// Pages returns how many pages of origin are listening
func (b *Broadcaster) Pages(origin string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pages[origin])
}

// ServeHTTP subscribes a page to the events of the origin query parameter
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		http.Error(w, "origin is required", http.StatusBadRequest)
		return
	}
	ctx := logger.WithOrigin(r.Context(), origin)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn(ctx, "dapp event upgrade failed", "error", err)
		return
	}

	p := &page{conn: conn}
	b.add(origin, p)
	defer func() {
		b.remove(origin, p)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// pages only listen; reading keeps the connection serviced until it closes
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (b *Broadcaster) add(origin string, p *page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.pages[origin]
	if !ok {
		set = make(map[*page]struct{})
		b.pages[origin] = set
	}
	set[p] = struct{}{}
}

func (b *Broadcaster) remove(origin string, p *page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages[origin], p)
	if len(b.pages[origin]) == 0 {
		delete(b.pages, origin)
	}
}
