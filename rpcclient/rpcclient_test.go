package rpcclient

import (
	"net"
	"testing"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/transport"
)

func echoServer(t *testing.T) address.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				conn := transport.NewConn(c)
				defer conn.Close()
				for {
					batch, err := conn.ReadBatch()
					if err != nil {
						return
					}
					for _, m := range batch {
						reply := transport.WithOp("echo", map[string]interface{}{"saw": m.Op()})
						if err := conn.Write(reply); err != nil {
							return
						}
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return address.Address{Scheme: "tcp", Host: tcpAddr.IP.String(), Port: tcpAddr.Port}
}

func TestCallWithoutPool(t *testing.T) {
	addr := echoServer(t)
	c := New(nil)
	reply, err := c.Call(addr, transport.WithOp("get_data", nil))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply["saw"] != "get_data" {
		t.Errorf("unexpected reply: %v", reply)
	}
}

func TestCallEmptyReplyIsAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		conn := transport.NewConn(c)
		_, _ = conn.ReadBatch()
		_ = conn.WriteBatch(nil)
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := address.Address{Scheme: "tcp", Host: tcpAddr.IP.String(), Port: tcpAddr.Port}

	c := New(nil)
	if _, err := c.Call(addr, transport.WithOp("ping", nil)); err == nil {
		t.Error("expected an error on an empty reply frame-group")
	}
}
