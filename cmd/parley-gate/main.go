// Command parley-gate runs the privileged-action gate of the chat platform and
// its maintenance tasks.
package main

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	Execute()
}
