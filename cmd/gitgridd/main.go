package main

import "github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd"

func main() {
	cmd.Execute()
}
