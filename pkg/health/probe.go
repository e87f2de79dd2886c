package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ProbeConfig configures the SSH reachability probe.
type ProbeConfig struct {
	// User is the login user. Defaults to "herd".
	User string

	// KeyPath is a PEM private key file. Empty disables key auth; the
	// probe then only verifies that an SSH banner is served.
	KeyPath string

	// Timeout bounds the whole dial and handshake.
	Timeout time.Duration
}

// Probe verifies that a node still answers SSH. A node whose backend
// reports it running but whose SSH endpoint is dead counts as failed.
type Probe struct {
	cfg  ProbeConfig
	auth []ssh.AuthMethod
}

// NewProbe creates an SSH probe.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	if cfg.User == "" {
		cfg.User = "herd"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read probe key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse probe key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	return &Probe{cfg: cfg, auth: auth}, nil
}

// Check dials addr (host or host:port) and performs an SSH handshake.
// Without a key, an authentication refusal still counts as reachable.
func (p *Probe) Check(ctx context.Context, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(p.cfg.Timeout))

	clientCfg := &ssh.ClientConfig{
		User: p.cfg.User,
		Auth: p.auth,
		// Reachability is the question, not identity.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.cfg.Timeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		// An authentication refusal means sshd is alive, which is all a
		// keyless probe can establish.
		if len(p.auth) == 0 && strings.Contains(err.Error(), "unable to authenticate") {
			return nil
		}
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	return client.Close()
}
