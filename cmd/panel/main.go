package main

import "github.com/halcyonhost/panel/internal/cli"

func main() {
	cli.Execute()
}
