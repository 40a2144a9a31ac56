// goneon -- Neon session networking stack (relay, host, client).
package main

import "github.com/kohanmathers/goneon/cmd/goneon/commands"

func main() {
	commands.Execute()
}
