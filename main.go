package main

import "github.com/ValentinKolb/dFrame/cmd"

func main() {
	cmd.Execute()
}
