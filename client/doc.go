// package client
//
// The client package contains the client-side types for interfacing with tunl
// servers. The client dials out to a tunl server, performs a handshake to claim
// and authenticate a routing key, and then serves exchanges arriving over the
// established tunnel by relaying them to a local HTTP server.
//
// # Example
//
//	package main
//
//	import (
//	    "context"
//	    "crypto/tls"
//
//	    "go.tunl.dev/tunl/client"
//	)
//
//	func main() {
//	    server := &client.Server{
//	        Key:       "api",
//	        LocalAddr: "localhost:3000",
//	        TLSConfig: &tls.Config{InsecureSkipVerify: true},
//	    }
//
//	    server.DialAndServe(context.Background(), "some.tunl.server:7070")
//	}
package client
