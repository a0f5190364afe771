package binance

import (
	"context"
	"strings"
	"time"
)

const listenKeyKeepAlive = 30 * time.Minute

// StreamURL issues (or reuses) a user-data listen key and appends it to the
// stream base URL. It is consulted on every connect, so a key that expired
// while disconnected is replaced.
func (c *Connector) StreamURL(ctx context.Context, base string) (string, error) {
	var (
		key string
		err error
	)
	if c.spot != nil {
		key, err = c.spot.NewStartUserStreamService().Do(ctx)
	} else {
		key, err = c.futures.NewStartUserStreamService().Do(ctx)
	}
	if err != nil {
		return "", err
	}
	c.keyMu.Lock()
	c.listenKey = key
	c.keyMu.Unlock()
	return strings.TrimSuffix(base, "/") + "/" + key, nil
}

// KeepAlive extends the current listen key until ctx is done.
func (c *Connector) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c.keyMu.Lock()
		key := c.listenKey
		c.keyMu.Unlock()
		if key == "" {
			continue
		}
		var err error
		if c.spot != nil {
			err = c.spot.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
		} else {
			err = c.futures.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx)
		}
		if err != nil {
			c.log.WithError(err).Warn("listen key keepalive failed")
			continue
		}
		c.log.Debug("listen key extended")
	}
}
