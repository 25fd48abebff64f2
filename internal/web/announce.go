package web

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/brutella/dnssd"
	"github.com/sirupsen/logrus"
)

const mdnsServiceType = "_http._tcp"

// ListenPort extracts the TCP port from a listen address such as ":5000".
func ListenPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: bad port", listen)
	}
	return port, nil
}

// Announce advertises the web UI over mDNS until ctx is cancelled.
func Announce(ctx context.Context, name, listen string, log logrus.FieldLogger) error {
	port, err := ListenPort(listen)
	if err != nil {
		return err
	}

	sv, err := dnssd.NewService(dnssd.Config{
		Name: name,
		Type: mdnsServiceType,
		Port: port,
		Text: map[string]string{"path": "/"},
	})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("mdns responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("mdns add: %w", err)
	}

	log.WithField("port", port).Infof("announcing web UI as %q", name)
	if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mdns respond: %w", err)
	}
	return nil
}
