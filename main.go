package main

import "github.com/prappser/chunkd/cmd"

func main() {
	cmd.Execute()
}
