package main

import "meshlink/cli"

func main() {
	cli.Execute()
}
