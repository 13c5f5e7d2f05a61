package scanner

import (
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/dutchcoders/go-clamd"
)

var ErrNoResult = errors.New("clamd returned no scan result")

// Clamd scans payloads with a ClamAV daemon over its control socket.
type Clamd struct {
	client *clamd.Clamd
	logger logging.Logger
}

func NewClamd(cfg config.ClamdConfig, logger logging.Logger) *Clamd {
	return &Clamd{
		client: clamd.NewClamd(cfg.Address),
		logger: logger.With("component", "clamd", "address", cfg.Address),
	}
}

// Ping checks the daemon is reachable. Used by health checks.
func (c *Clamd) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Scan streams data to clamd (INSTREAM) and returns the detected signature.
func (c *Clamd) Scan(ctx context.Context, data []byte) (Verdict, error) {
	// Closing abort releases the client's connection watcher.
	abort := make(chan bool)
	defer close(abort)

	results, err := c.client.ScanStream(bytes.NewReader(data), abort)
	if err != nil {
		return "", fmt.Errorf("clamd scan stream: %w", err)
	}

	var verdict Verdict
	seen := false
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res, ok := <-results:
			if !ok {
				if !seen {
					return "", ErrNoResult
				}
				return verdict, nil
			}
			seen = true

			switch res.Status {
			case clamd.RES_OK:
			case clamd.RES_FOUND:
				c.logger.Debug("signature found", "signature", res.Description, "size", len(data))
				if verdict == "" {
					verdict = Verdict(res.Description)
				}
			default:
				return "", fmt.Errorf("clamd scan: %s: %s", res.Status, res.Description)
			}
		}
	}
}
