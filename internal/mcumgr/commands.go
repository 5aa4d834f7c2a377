package mcumgr

import (
	"context"

	"zswflasher/internal/smp"
)

// ImageState reads the image slot list.
func (c *Client) ImageState(ctx context.Context) ([]smp.ImageSlot, error) {
	var rsp smp.ImageStateRsp
	if err := c.Read(ctx, smp.GroupImage, smp.ImageState, smp.ImageStateReq{}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Images, nil
}

// ImageTest marks the image with hash for a one-shot test boot.
func (c *Client) ImageTest(ctx context.Context, hash []byte) ([]smp.ImageSlot, error) {
	return c.writeState(ctx, smp.ImageStateWriteReq{Hash: hash, Confirm: false})
}

// ImageConfirm makes the image with hash permanent. A nil hash confirms the
// running image.
func (c *Client) ImageConfirm(ctx context.Context, hash []byte) ([]smp.ImageSlot, error) {
	return c.writeState(ctx, smp.ImageStateWriteReq{Hash: hash, Confirm: true})
}

func (c *Client) writeState(ctx context.Context, req smp.ImageStateWriteReq) ([]smp.ImageSlot, error) {
	var rsp smp.ImageStateRsp
	if err := c.Write(ctx, smp.GroupImage, smp.ImageState, req, &rsp); err != nil {
		return nil, err
	}
	return rsp.Images, nil
}

// ImageErase erases a slot. A nil slot lets the device pick the inactive one.
func (c *Client) ImageErase(ctx context.Context, slot *int) error {
	return c.Write(ctx, smp.GroupImage, smp.ImageErase, smp.ImageEraseReq{Slot: slot}, nil)
}

// ImageUpload sends one image chunk and returns the device's next offset.
func (c *Client) ImageUpload(ctx context.Context, req smp.ImageUploadReq) (uint32, error) {
	var rsp smp.UploadRsp
	if err := c.Write(ctx, smp.GroupImage, smp.ImageUpload, req, &rsp); err != nil {
		return 0, err
	}
	return rsp.Off, nil
}

// FileUpload sends one filesystem chunk and returns the next offset.
func (c *Client) FileUpload(ctx context.Context, req smp.FileUploadReq) (uint32, error) {
	var rsp smp.UploadRsp
	if err := c.Write(ctx, smp.GroupFS, smp.FSFile, req, &rsp); err != nil {
		return 0, err
	}
	return rsp.Off, nil
}

// Reset reboots the device.
func (c *Client) Reset(ctx context.Context) error {
	return c.Write(ctx, smp.GroupOS, smp.OSReset, smp.ResetReq{}, nil)
}

// Echo round-trips msg through the device.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	var rsp smp.EchoRsp
	if err := c.Write(ctx, smp.GroupOS, smp.OSEcho, smp.EchoReq{D: msg}, &rsp); err != nil {
		return "", err
	}
	return rsp.R, nil
}

// TaskStats reads per-task statistics.
func (c *Client) TaskStats(ctx context.Context) (map[string]smp.TaskStat, error) {
	var rsp smp.TaskStatRsp
	if err := c.Read(ctx, smp.GroupOS, smp.OSTaskStat, smp.TaskStatReq{}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Tasks, nil
}

// MPStats reads memory pool statistics.
func (c *Client) MPStats(ctx context.Context) (map[string]smp.MemPool, error) {
	var rsp smp.MPStatRsp
	if err := c.Read(ctx, smp.GroupOS, smp.OSMPStat, smp.MPStatReq{}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Pools, nil
}

// ShellExec runs a shell command line and returns its output and exit code.
func (c *Client) ShellExec(ctx context.Context, argv []string) (string, int, error) {
	var rsp smp.ShellExecRsp
	if err := c.Write(ctx, smp.GroupShell, smp.ShellExec, smp.ShellExecReq{Argv: argv}, &rsp); err != nil {
		return "", 0, err
	}
	return rsp.O, rsp.Ret, nil
}
