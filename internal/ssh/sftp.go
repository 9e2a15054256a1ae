package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushBytes writes data to a remote path via SFTP, creating parent
// directories.
func PushBytes(ctx context.Context, client *xssh.Client, data []byte, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		return fmt.Errorf("write remote: %w", err)
	}
	return dst.Close()
}

// Remove deletes a remote file. A missing file is not an error.
func Remove(client *xssh.Client, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.Remove(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove remote: %w", err)
	}
	return nil
}
