package httpstore

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

const firstFrameWait = 10 * time.Second

// Subscribe implements remote.DocumentStore. The first snapshot is delivered
// before Subscribe returns. A dropped socket is redialled with backoff until
// unsubscribe is called or ctx is done; every successful dial delivers a
// fresh snapshot.
func (c *Client) Subscribe(ctx context.Context, boardID string, fn func([]remote.Document)) (func(), error) {
	conn, frame, err := c.dial(ctx, boardID)
	if err != nil {
		return nil, err
	}
	fn(frame.Items)

	subCtx, cancel := context.WithCancel(ctx)
	go c.follow(subCtx, boardID, conn, fn)
	return cancel, nil
}

// follow reads frames from conn, redialling whenever it drops.
func (c *Client) follow(ctx context.Context, boardID string, conn *websocket.Conn, fn func([]remote.Document)) {
	delay := c.retryMin
	for {
		err := readFrames(ctx, conn, fn)
		if ctx.Err() != nil {
			return
		}
		logging.Warn("subscription dropped", map[string]interface{}{
			"board_id": boardID,
			"reason":   err.Error(),
		})

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			var frame remote.Frame
			conn, frame, err = c.dial(ctx, boardID)
			if err == nil {
				if ctx.Err() != nil {
					conn.Close()
					return
				}
				logging.Info("subscription restored", map[string]interface{}{"board_id": boardID})
				fn(frame.Items)
				delay = c.retryMin
				break
			}
			logging.Debug("subscription redial failed", map[string]interface{}{
				"board_id": boardID,
				"reason":   err.Error(),
				"retry_in": delay.String(),
			})
			if delay *= 2; delay > c.retryMax {
				delay = c.retryMax
			}
		}
	}
}

// readFrames delivers snapshot frames until the socket fails or ctx is done.
func readFrames(ctx context.Context, conn *websocket.Conn, fn func([]remote.Document)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var frame remote.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type != remote.FrameSnapshot {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(frame.Items)
	}
}

// dial opens the board's subscription socket and reads its first snapshot.
func (c *Client) dial(ctx context.Context, boardID string) (*websocket.Conn, remote.Frame, error) {
	endpoint := c.endpoint("boards", boardID, "subscribe")
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, remote.Frame{}, responseError("subscribe", resp)
		}
		return nil, remote.Frame{}, remote.TransportError("subscribe", err)
	}

	var frame remote.Frame
	conn.SetReadDeadline(time.Now().Add(firstFrameWait))
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, remote.Frame{}, remote.TransportError("subscribe", err)
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Type != remote.FrameSnapshot {
		conn.Close()
		return nil, remote.Frame{}, errors.New(errors.ErrRemoteRejected, "unexpected first frame "+frame.Type)
	}
	return conn, frame, nil
}
