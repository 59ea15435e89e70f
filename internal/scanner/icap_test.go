package scanner

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeICAPServer runs a TCP listener that drains the ICAP request and
// replies with a canned response, for exercising respmod() parsing.
func fakeICAPServer(t *testing.T, reply string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				// Read until the client finishes writing (best effort; we
				// don't need to parse what was sent for this fake).
				c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
				for {
					n, err := c.Read(buf)
					if n == 0 || err != nil {
						break
					}
				}
				c.Write([]byte(reply))
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestICAPScanner_Scan(t *testing.T) {
	tests := []struct {
		name          string
		reply         string
		wantFound     bool
		wantSignature string
	}{
		{
			name:      "204 no modifications",
			reply:     "ICAP/1.0 204 No modifications needed\r\n\r\n",
			wantFound: false,
		},
		{
			name:      "200 with clean encapsulated status",
			reply:     "ICAP/1.0 200 OK\r\nEncapsulated: res-hdr=0, res-body=50\r\n\r\nHTTP/1.0 200 OK\r\n\r\n0\r\n\r\n",
			wantFound: false,
		},
		{
			name: "200 with infected encapsulated status and threat header",
			reply: "ICAP/1.0 200 OK\r\n" +
				"X-Infection-Found: Type=0;Resolution=2;Threat=Eicar-Signature;\r\n" +
				"Encapsulated: res-hdr=0, res-body=50\r\n\r\n" +
				"HTTP/1.0 403 Forbidden\r\n\r\n0\r\n\r\n",
			wantFound:     true,
			wantSignature: "Eicar-Signature",
		},
		{
			name:          "200 infected without threat header",
			reply:         "ICAP/1.0 200 OK\r\n\r\nHTTP/1.0 403 Forbidden\r\n\r\n0\r\n\r\n",
			wantFound:     true,
			wantSignature: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := fakeICAPServer(t, tt.reply)
			s := NewICAPScanner(host, port, "avscan", false, 2*time.Second)

			v, err := s.Scan(context.Background(), io.NopCloser(nopReader{}), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, v.Found)
			assert.Equal(t, tt.wantSignature, v.Signature)
		})
	}
}

func TestICAPScanner_Ping(t *testing.T) {
	host, port := fakeICAPServer(t, "ICAP/1.0 204 No modifications needed\r\n\r\n")
	s := NewICAPScanner(host, port, "avscan", false, 2*time.Second)
	require.NoError(t, s.Ping(context.Background()))
}

func TestParseICAPReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    Verdict
		wantErr bool
	}{
		{
			name:  "204",
			reply: "ICAP/1.0 204 No modifications needed\r\n\r\n",
			want:  Verdict{Found: false},
		},
		{
			name:  "200 clean",
			reply: "ICAP/1.0 200 OK\r\n\r\nHTTP/1.0 200 OK\r\n\r\n0\r\n\r\n",
			want:  Verdict{Found: false},
		},
		{
			name:  "200 infected with threat",
			reply: "ICAP/1.0 200 OK\r\nX-Infection-Found: Type=0;Threat=Worm.Test;\r\n\r\nHTTP/1.0 403 Forbidden\r\n\r\n0\r\n\r\n",
			want:  Verdict{Found: true, Signature: "Worm.Test"},
		},
		{
			name:    "unrecognized status",
			reply:   "ICAP/1.0 500 Server Error\r\n\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseICAPReply([]byte(tt.reply))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }
