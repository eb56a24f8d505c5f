// Command devproxy runs the intercepting HTTP/HTTPS development proxy.
package main

import "github.com/devproxy/devproxy/cmd/devproxy/cmd"

func main() {
	cmd.Execute()
}
