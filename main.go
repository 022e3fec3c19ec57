package main

import "github.com/hongkongkiwi/retrygo/cmd"

func main() {
	cmd.Execute()
}
