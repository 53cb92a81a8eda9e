package main

import "github.com/nextlevelbuilder/qqclaw/cmd"

func main() {
	cmd.Execute()
}
