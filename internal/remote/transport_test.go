package remote

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newInMemTransfer connects an sftpTransfer to an in-memory SFTP server.
func newInMemTransfer(t *testing.T) *sftpTransfer {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() {
		_ = server.Serve()
	}()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return &sftpTransfer{client: client}
}

func TestSFTPTransfer_UploadListRemove(t *testing.T) {
	ft := newInMemTransfer(t)
	require.NoError(t, ft.client.Mkdir("/program0"))

	mtime := time.Date(2024, 3, 3, 3, 3, 3, 0, time.UTC)
	err := ft.Upload(bytes.NewBufferString("first"), "/program0/App.dll", mtime)
	if err != nil {
		// The in-memory server may ignore attribute changes; contents must land regardless.
		require.True(t, errors.Is(err, errTimesNotPreserved), "unexpected error: %v", err)
	}

	// Overwrite truncates the previous contents.
	err = ft.Upload(bytes.NewBufferString("2nd"), "/program0/App.dll", mtime)
	if err != nil {
		require.True(t, errors.Is(err, errTimesNotPreserved), "unexpected error: %v", err)
	}

	infos, err := ft.ReadDir("/program0")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "App.dll", infos[0].Name())
	assert.Equal(t, int64(3), infos[0].Size())
	assert.True(t, infos[0].Mode().IsRegular())

	require.NoError(t, ft.Remove("/program0/App.dll"))
	infos, err = ft.ReadDir("/program0")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSFTPTransfer_ReadDirMissing(t *testing.T) {
	ft := newInMemTransfer(t)

	_, err := ft.ReadDir("/nope")
	assert.Error(t, err)
}
