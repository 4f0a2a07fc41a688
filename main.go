package main

import "github.com/shaharia-lab/notiq/cmd"

func main() {
	cmd.Execute()
}
