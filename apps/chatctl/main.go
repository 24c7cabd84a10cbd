package main

import "github.com/mahaj/chatcore/apps/chatctl/cmd"

func main() {
	cmd.Execute()
}
