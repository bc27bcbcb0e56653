package remote // import "github.com/am17an/vastai-llama-bench/remote"

import (
	"context"
	"strconv"

	"github.com/am17an/vastai-llama-bench/utils"
)

// Upload copies a local file to remotePath on the instance via scp.
func (c *Client) Upload(ctx context.Context, localPath string, remotePath string) error {
	args := append(c.scpArgs(), localPath, c.userHost()+":"+remotePath)
	if _, err := c.runner.Output(ctx, "scp", args...); err != nil {
		return utils.MakeError("couldn't upload %s to %s: %s", localPath, remotePath, err)
	}
	return nil
}

// Download copies a file from remotePath on the instance to localPath via
// scp.
func (c *Client) Download(ctx context.Context, remotePath string, localPath string) error {
	args := append(c.scpArgs(), c.userHost()+":"+remotePath, localPath)
	if _, err := c.runner.Output(ctx, "scp", args...); err != nil {
		return utils.MakeError("couldn't download %s to %s: %s", remotePath, localPath, err)
	}
	return nil
}

// scpArgs returns the argv prefix shared by every scp invocation against the
// target. Note that scp spells the port flag -P where ssh spells it -p.
func (c *Client) scpArgs() []string {
	return []string{
		"-P", strconv.Itoa(c.target.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}
}
