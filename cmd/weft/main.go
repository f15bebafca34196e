package main

import "github.com/weftlabs/weft/cli"

func main() {
	cli.Execute()
}
