package driver

import (
	"context"
	"io"
	"net"
	"os"
)

// Transport is the byte channel a Driver reads lines from and writes lines
// to. The driver owns it exclusively: no other code may read or write it
// once a Driver has taken ownership (see the "Ownership of transports"
// design note).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// NewStdioTransport wraps the process's standard input/output as a
// Transport. No Connect handshake is sent over stdio.
func NewStdioTransport() Transport {
	return stdioTransport{}
}

type stdioTransport struct{}

func (stdioTransport) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioTransport) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioTransport) Close() error                { return nil }

// DialTCP connects to a host:port Yate listener. The caller is responsible
// for sending the Connect handshake after the Driver is constructed.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportErrorf("dial tcp "+addr, err)
	}
	return conn, nil
}

// DialUnix connects to a Yate listener on a filesystem Unix-domain socket.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, transportErrorf("dial unix "+path, err)
	}
	return conn, nil
}
