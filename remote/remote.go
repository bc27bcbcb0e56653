// Package remote reaches rented instances over SSH. All traffic goes through
// the system `ssh` and `scp` binaries rather than an in-process SSH client,
// so the usual key agents and config files keep working.
package remote // import "github.com/am17an/vastai-llama-bench/remote"

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/am17an/vastai-llama-bench/command"
	"github.com/am17an/vastai-llama-bench/types"
	"github.com/am17an/vastai-llama-bench/utils"
)

// ParseTarget parses a connection URL of the form `ssh://user@host:port` (or
// `scp://...`), as returned by `vastai ssh-url` and `vastai scp-url`. The
// port defaults to 22 when the URL omits it.
func ParseTarget(rawURL string) (types.ConnectionInfo, error) {
	trimmed := strings.TrimSpace(rawURL)

	u, err := url.Parse(trimmed)
	if err != nil {
		return types.ConnectionInfo{}, utils.MakeError("couldn't parse connection url %q: %s", trimmed, err)
	}
	if u.Scheme != "ssh" && u.Scheme != "scp" {
		return types.ConnectionInfo{}, utils.MakeError("unexpected scheme %q in connection url %q", u.Scheme, trimmed)
	}
	if u.User == nil || u.User.Username() == "" {
		return types.ConnectionInfo{}, utils.MakeError("missing user in connection url %q", trimmed)
	}
	if u.Hostname() == "" {
		return types.ConnectionInfo{}, utils.MakeError("missing host in connection url %q", trimmed)
	}

	port := 22
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return types.ConnectionInfo{}, utils.MakeError("invalid port in connection url %q: %s", trimmed, err)
		}
	}

	return types.ConnectionInfo{
		User: u.User.Username(),
		Host: u.Hostname(),
		Port: port,
	}, nil
}

// A Client runs commands on a single instance over SSH.
type Client struct {
	target types.ConnectionInfo
	runner command.Runner
}

// NewClient returns a Client for the given target. The runner is how the
// client shells out to ssh and scp.
func NewClient(target types.ConnectionInfo, runner command.Runner) *Client {
	return &Client{
		target: target,
		runner: runner,
	}
}

// Target returns the connection info the client was built with.
func (c *Client) Target() types.ConnectionInfo {
	return c.target
}

// Run executes remoteCmd on the instance and returns its captured standard
// output.
func (c *Client) Run(ctx context.Context, remoteCmd string) (string, error) {
	return c.runner.Output(ctx, "ssh", append(c.sshArgs(), remoteCmd)...)
}

// RunStream executes remoteCmd on the instance, pumping its combined output
// to w as it is produced. It blocks until the remote command exits.
func (c *Client) RunStream(ctx context.Context, w io.Writer, remoteCmd string) error {
	return c.runner.Stream(ctx, w, "ssh", append(c.sshArgs(), remoteCmd)...)
}

// CheckReachable runs a no-op command on the instance. Marketplaces report
// instances as running before sshd inside the image accepts connections, so
// this is polled before any file transfer.
func (c *Client) CheckReachable(ctx context.Context) error {
	if _, err := c.Run(ctx, "true"); err != nil {
		return utils.MakeError("instance not reachable over ssh yet: %s", err)
	}
	return nil
}

// sshArgs returns the argv prefix shared by every ssh invocation against the
// target. Host keys are not checked: rented instances are ephemeral and
// marketplaces reuse ports across rentals.
func (c *Client) sshArgs() []string {
	return []string{
		"-p", strconv.Itoa(c.target.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		c.userHost(),
	}
}

func (c *Client) userHost() string {
	return utils.Sprintf("%s@%s", c.target.User, c.target.Host)
}
