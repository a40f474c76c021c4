package main

import "github.com/irfndi/celebrum-distiller/internal/cmd"

func main() {
	cmd.Execute()
}
