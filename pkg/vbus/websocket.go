// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package vbus

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/frame"
)

// NewWebSocketDialer returns a Dialer that carries the virtual bus over
// WebSocket binary messages, one wire packet per message. Each logical
// device maps to its own endpoint: <baseURL>/bus/<device>.
func NewWebSocketDialer(baseURL string) Dialer {
	return func(ctx context.Context, device string) (Bus, error) {
		endpoint, err := url.JoinPath(baseURL, "bus", device)
		if err != nil {
			return nil, fmt.Errorf("build vbus endpoint for %s: %w", device, err)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("dial vbus %s: %w", endpoint, err)
		}

		return &wsBus{conn: conn}, nil
	}
}

// wsBus adapts a websocket connection to the Bus interface. Reads are
// owned by a single goroutine per bridge; writes are serialized with a
// mutex since gorilla allows one concurrent writer only.
type wsBus struct {
	conn *websocket.Conn
	wio  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (b *wsBus) ReadPacket(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Blocking read; Close unblocks it with an error.
	_, pkt, err := b.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("vbus read: %w", err)
	}
	return pkt, nil
}

func (b *wsBus) WriteFrame(ctx context.Context, f frame.Frame) error {
	b.wio.Lock()
	defer b.wio.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("vbus write deadline: %w", err)
	}

	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame.Marshal(f)); err != nil {
		return fmt.Errorf("vbus write: %w", err)
	}
	return nil
}

func (b *wsBus) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}
