package nauserver

import (
	"net"
	"os"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

const unixSocketPrefix = "unix://"

// "127.0.0.1:8089" or "unix:///run/nauha/admin.sock"
func adminListener(addr string, logl *logex.Leveled) (net.Listener, error) {
	socketPath := unixSocketPath(addr)
	if socketPath == "" {
		return net.Listen("tcp", addr)
	}

	exists, err := fileexists.Exists(socketPath)
	if err != nil {
		return nil, err
	}

	if exists { // left behind by an unclean stop
		logl.Info.Printf("removing stale socket %s", socketPath)

		if err := os.Remove(socketPath); err != nil {
			return nil, err
		}
	}

	return net.Listen("unix", socketPath)
}

func unixSocketPath(addr string) string {
	if !strings.HasPrefix(addr, unixSocketPrefix) {
		return ""
	}

	return addr[len(unixSocketPrefix):]
}
