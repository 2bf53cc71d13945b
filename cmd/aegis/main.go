package main

import "github.com/aegis-gateway/aegis/cmd/aegis/cmd"

func main() {
	cmd.Execute()
}
