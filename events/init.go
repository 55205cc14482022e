package events

import "github.com/r3labs/sse/v2"

var Server *sse.Server

// New returns a server whose streams hold a single pending event, so a slow
// subscriber pushes back on the publisher rather than queueing stale frames.
func New() *sse.Server {
	server := sse.New()
	server.AutoReplay = false
	server.AutoStream = false
	server.BufferSize = 1
	return server
}

func Init() {
	Server = New()
}
