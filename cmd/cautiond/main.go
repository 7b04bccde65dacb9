package main

import "github.com/MeKo-Tech/cautiond/cmd/cautiond/cmd"

func main() {
	cmd.Execute()
}
