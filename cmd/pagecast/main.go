// Command pagecast serves a live, incrementally updated page preview of a
// typeset document.
package main

import "github.com/user/pagecast/internal/cli"

func main() {
	cli.Execute()
}
