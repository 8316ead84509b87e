package main

import "github.com/vietddude/autofollow/internal/cli"

func main() {
	cli.Execute()
}
