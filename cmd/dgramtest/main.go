package main

import "github.com/godzie44/dgramtest/cmd/dgramtest/cmd"

func main() {
	cmd.Execute()
}
